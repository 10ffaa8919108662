// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

// Package app implements the probectl command line.
package app

import (
	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/DataDog/dyninst-go/pkg/util/log"
)

type globalParams struct {
	// confFilePath is the dynamic instrumentation settings file.
	confFilePath string
	logLevel     string
	noColor      bool
}

// MakeCommand returns the root probectl command.
func MakeCommand() *cobra.Command {
	params := &globalParams{}
	cmd := &cobra.Command{
		Use:   "probectl [command]",
		Short: "Inspect dynamic instrumentation probes and settings.",
		Long: `
probectl checks probe definitions before they are pushed to running services
and shows the settings the dynamic instrumentation engine would run with.`,
		SilenceUsage: true,
		PersistentPreRunE: func(*cobra.Command, []string) error {
			if params.noColor {
				color.NoColor = true
			}
			return log.SetupDefaultLogger(params.logLevel)
		},
	}
	cmd.PersistentFlags().StringVarP(&params.confFilePath, "cfgpath", "c", "", "path to the dynamic instrumentation settings file")
	cmd.PersistentFlags().StringVar(&params.logLevel, "log-level", "warn", "minimum level of the logs written to stderr")
	cmd.PersistentFlags().BoolVarP(&params.noColor, "no-color", "n", false, "disable color output")

	cmd.AddCommand(makeValidateCommand(params), makeSettingsCommand(params))
	return cmd
}
