// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

package app

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/DataDog/dyninst-go/pkg/dyninst/probe"
	"github.com/DataDog/dyninst-go/pkg/dyninst/rcjson"
)

func makeValidateCommand(_ *globalParams) *cobra.Command {
	return &cobra.Command{
		Use:   "validate <file>",
		Short: "Check probe definitions",
		Long: `Reads probe definitions from a JSON or YAML file, either a single record
or a list, and reports which ones the engine would accept.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}
			records, err := decodeRecords(args[0], data)
			if err != nil {
				return err
			}
			return report(cmd.OutOrStdout(), records)
		},
	}
}

// decodeRecords decodes one record or a list of records. Files with a .yaml
// or .yml extension are read as YAML, anything else as JSON.
func decodeRecords(path string, data []byte) ([]*rcjson.Probe, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return decodeYAML(data)
	default:
		return decodeJSON(data)
	}
}

func decodeJSON(data []byte) ([]*rcjson.Probe, error) {
	data = bytes.TrimSpace(data)
	if len(data) > 0 && data[0] != '[' {
		p, err := rcjson.UnmarshalProbe(data)
		if err != nil {
			return nil, err
		}
		return []*rcjson.Probe{p}, nil
	}
	var raw []json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("failed to parse json: %w", err)
	}
	out := make([]*rcjson.Probe, 0, len(raw))
	for i, r := range raw {
		p, err := rcjson.UnmarshalProbe(r)
		if err != nil {
			return nil, fmt.Errorf("record %d: %w", i, err)
		}
		out = append(out, p)
	}
	return out, nil
}

func decodeYAML(data []byte) ([]*rcjson.Probe, error) {
	var node yaml.Node
	if err := yaml.Unmarshal(data, &node); err != nil {
		return nil, fmt.Errorf("failed to parse yaml: %w", err)
	}
	if len(node.Content) == 0 {
		return nil, nil
	}
	root := node.Content[0]
	if root.Kind == yaml.SequenceNode {
		var out []*rcjson.Probe
		if err := root.Decode(&out); err != nil {
			return nil, fmt.Errorf("failed to parse yaml: %w", err)
		}
		return out, nil
	}
	var p rcjson.Probe
	if err := root.Decode(&p); err != nil {
		return nil, fmt.Errorf("failed to parse yaml: %w", err)
	}
	return []*rcjson.Probe{&p}, nil
}

func report(w io.Writer, records []*rcjson.Probe) error {
	ok := color.New(color.FgGreen).SprintFunc()
	fail := color.New(color.FgRed).SprintFunc()
	invalid := 0
	for _, rec := range records {
		p, err := probe.Build(rec)
		if err != nil {
			invalid++
			fmt.Fprintf(w, "%s %s: %v\n", fail("FAIL"), rec.ID, err)
			continue
		}
		fmt.Fprintf(w, "%s %s %s probe on %s\n", ok("OK"), p.ID, p.Kind(), p.Location())
	}
	if invalid > 0 {
		return fmt.Errorf("%d of %d probes are invalid", invalid, len(records))
	}
	return nil
}
