package error

// GenericError is an error that knows its HTTP mapping. The recovery
// middleware uses it to turn typed panics into proper status codes.
type GenericError interface {
	Error() string
	ErrCode() string
	StatusCode() int
}
