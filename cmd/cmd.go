// cmd.go - root CLI, grounded on teacher cmd/cmd.go's NewCLI/appendEnvDocs.
package cmd

import (
	"fmt"
	"log"

	"github.com/spf13/cobra"

	"github.com/heyi/engine/envconfig"
)

// appendEnvDocs appends an "Environment Variables" section to cmd's usage,
// same mechanism the teacher uses for OLLAMA_* docs.
func appendEnvDocs(cmd *cobra.Command, envs map[string]envconfig.EnvVar) {
	if len(envs) == 0 {
		return
	}

	envUsage := "\nEnvironment Variables:\n"
	for _, e := range envs {
		envUsage += fmt.Sprintf("      %-32s   %s\n", e.Name, e.Description)
	}

	cmd.SetUsageTemplate(cmd.UsageTemplate() + envUsage)
}

// NewCLI builds the root command: "serve" boots an Engine and runs its main
// loop until interrupted. HTTP/SSE transport is out of scope (spec.md
// Non-goals); this entrypoint only wires collaborators and starts the loop.
func NewCLI() *cobra.Command {
	log.SetFlags(log.LstdFlags | log.Lshortfile)
	cobra.EnableCommandSorting = false

	rootCmd := &cobra.Command{
		Use:           "heyi",
		Short:         "MoE inference engine serving core",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	serveCmd := newServeCmd()
	appendEnvDocs(serveCmd, envconfig.AsMap())

	rootCmd.AddCommand(serveCmd)
	return rootCmd
}
