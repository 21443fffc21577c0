package main

import (
	"github.com/kioskworks/station/cmd"
)

func main() {
	cmd.Execute()
}
