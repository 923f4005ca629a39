package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/hazil/sha1t48/cmd"
)

func main() {
	os.Exit(realMain())
}

func realMain() int {
	c := cmd.New()

	if err := c.Run(context.Background(), os.Args); err != nil {
		if errors.Is(err, cmd.ErrBreachedPassword) {
			return 1
		}

		fmt.Fprintf(os.Stderr, "error running the application: %s\n", err)

		return 1
	}

	return 0
}
