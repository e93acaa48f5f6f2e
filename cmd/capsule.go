package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/stephnangue/capsule/cmd/links"
	"github.com/stephnangue/capsule/cmd/server"
)

var capsuleCmd = &cobra.Command{
	Use:   "capsule",
	Short: "Capsule is a static file server with expiring capability links",
	Long: `Capsule serves a public directory tree as is, and shares the entries of a
private directory under unguessable URLs that rotate or vanish once they
expire. Every access to a private resource is audited and summarised in a
periodic digest.`,
	SilenceUsage: true,
}

func Execute() {
	if err := capsuleCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	capsuleCmd.AddCommand(server.ServerCmd)
	capsuleCmd.AddCommand(links.LinksCmd)
}
