package main

import (
	"github.com/eleven-am/voice-live/internal/bootstrap"
)

func main() {
	bootstrap.Run()
}
