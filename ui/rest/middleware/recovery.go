package middleware

import (
	"fmt"

	"github.com/gofiber/fiber/v2"
	"github.com/sirupsen/logrus"

	pkgError "github.com/AzielCF/az-gateway/pkg/error"
)

// Recovery turns handler panics into a 500 envelope instead of tearing the
// connection down.
func Recovery() fiber.Handler {
	return func(ctx *fiber.Ctx) error {
		defer func() {
			err := recover()
			if err != nil {
				status := 500
				code := "INTERNAL_SERVER_ERROR"
				message := fmt.Sprintf("%v", err)

				logrus.Errorf("Panic recovered in middleware: %v", err)

				if typed, ok := err.(pkgError.GenericError); ok {
					status = typed.StatusCode()
					code = typed.ErrCode()
					message = typed.Error()
				}

				_ = ctx.Status(status).JSON(fiber.Map{
					"status":  status,
					"code":    code,
					"message": message,
				})
			}
		}()

		return ctx.Next()
	}
}
