package main

import (
	"flag"
	"log"

	"github.com/bootjp/isokv/cmd"
)

var addr = flag.String("address", "localhost:6379", "isokv redis address")

func main() {
	flag.Parse()
	if err := cmd.Run(*addr); err != nil {
		log.Fatal(err)
	}
}
