package main

import (
	"log"
	"runtime"

	"github.com/mnv-engine/minerva/engine"
)

func main() {
	// SDL and Vulkan surface calls must stay on the main OS thread.
	runtime.LockOSThread()

	eng := engine.New(engine.DefaultConfig())
	defer eng.Shutdown()

	err := eng.Initialize()
	if err != nil {
		log.Fatalf("%+v\n", err)
	}

	err = eng.Run()
	if err != nil {
		log.Fatalf("%+v\n", err)
	}
}
