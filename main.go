package main

import (
	"os"

	"github.com/HelloDuoLA/NarratoAI/narrato"
)

func main() {
	os.Exit(narrato.Main(os.Args))
}
