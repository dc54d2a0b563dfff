package main

import (
	"github.com/unibos-labs/unibos-node/internal/cmd"
)

func main() {
	cmd.Execute()
}
