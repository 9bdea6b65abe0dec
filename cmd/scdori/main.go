// Command scdori trains scDoRI models and extracts their topic-specific gene
// regulatory networks.
package main

import (
	"context"

	"go.dedis.ch/onet/v3/log"
)

func main() {
	if err := NewCLI().ExecuteContext(context.Background()); err != nil {
		log.Fatal(err)
	}
}
