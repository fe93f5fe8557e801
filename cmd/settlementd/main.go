package main

import (
	"log"

	settlementd "commitpay/services/settlementd"
)

func main() {
	if err := settlementd.Main(); err != nil {
		log.Fatalf("settlementd: %v", err)
	}
}
