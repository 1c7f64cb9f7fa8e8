package main

import (
	"log"
	"os"
)

func main() {
	opts := parseFlags()

	code, err := run(opts)
	if err != nil {
		log.Fatal(err)
	}
	os.Exit(code)
}
