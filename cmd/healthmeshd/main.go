// healthmeshd is the HealthMesh patient monitoring daemon.
package main

import (
	"os"

	"github.com/joho/godotenv"
)

func main() {
	// A local .env complements the HEALTHMESH_* environment overrides;
	// absence is the normal case outside development.
	_ = godotenv.Load()

	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
