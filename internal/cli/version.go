package cli

import (
	"context"
	"fmt"

	"github.com/pulsarkit/pulsar-setup/internal"
)

// Represents the 'pulsar-setup version' command.
type VersionCmd struct {
	Short bool `help:"Print only the version number."`
}

// Prints the build metadata.
func (c *VersionCmd) Run(ctx context.Context) error {
	info := internal.Info()
	if c.Short {
		fmt.Println(info.Version)
		return nil
	}
	fmt.Println(info)
	return nil
}
