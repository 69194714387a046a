package main

import (
	"log"

	settled "settlehub/services/settled"
)

func main() {
	if err := settled.Main(); err != nil {
		log.Fatalf("settled: %v", err)
	}
}
