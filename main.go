package main

import "github.com/AzielCF/az-gateway/cmd"

func main() {
	cmd.Execute()
}
