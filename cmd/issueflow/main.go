package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/imkarma/issueflow/internal/cli"
)

func main() {
	err := cli.Execute()
	if err == nil {
		return
	}
	code := 1
	var exit *cli.ExitError
	if errors.As(err, &exit) {
		code = exit.Code
		if exit.Err == nil {
			os.Exit(code)
		}
	}
	fmt.Fprintln(os.Stderr, "Error:", err)
	os.Exit(code)
}
