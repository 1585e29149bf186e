package main

import (
	"github.com/flowmill-org/flowmill/internal/cmd"
)

func main() {
	cmd.Execute()
}
