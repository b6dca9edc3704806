package main

import (
	"os"

	"github.com/nuetzliches/workq/internal/app"
)

func main() {
	os.Exit(app.Main(os.Args))
}
