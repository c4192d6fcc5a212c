// cmd/client is the CLI entry-point built with Cobra.
//
// Usage:
//
//	vdbcli upsert 1 --vector 1.0,0.0 --index FLAT --scalar color=2   --server http://localhost:8080
//	vdbcli search --vector 0.0,0.0 --k 5 --index FLAT --filter color=2
//	vdbcli query 1
//	vdbcli snapshot
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"vectordb/internal/client"
)

var (
	serverAddr string
	timeout    time.Duration
)

func main() {
	root := &cobra.Command{
		Use:   "vdbcli",
		Short: "CLI client for the vectordb engine",
	}

	root.PersistentFlags().StringVarP(&serverAddr, "server", "s",
		"http://localhost:8080", "Engine server address")
	root.PersistentFlags().DurationVar(&timeout, "timeout", 10*time.Second,
		"HTTP request timeout")

	root.AddCommand(upsertCmd(), searchCmd(), queryCmd(), snapshotCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// ─── upsert ───────────────────────────────────────────────────────────────────

func upsertCmd() *cobra.Command {
	var (
		vector  string
		idxType string
		scalars []string
	)
	cmd := &cobra.Command{
		Use:   "upsert <id>",
		Short: "Insert or replace a record",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := strconv.ParseUint(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("bad id %q: %w", args[0], err)
			}
			vec, err := parseVector(vector)
			if err != nil {
				return err
			}
			extra, err := parseScalars(scalars)
			if err != nil {
				return err
			}

			c := client.New(serverAddr, timeout)
			if err := c.Upsert(context.Background(), client.UpsertRequest{
				ID:        id,
				Vectors:   vec,
				IndexType: idxType,
				Scalars:   extra,
			}); err != nil {
				return err
			}
			fmt.Printf("upserted %d\n", id)
			return nil
		},
	}
	cmd.Flags().StringVar(&vector, "vector", "", "Comma-separated vector components (required)")
	cmd.Flags().StringVar(&idxType, "index", "FLAT", "Target index: FLAT or HNSW")
	cmd.Flags().StringArrayVar(&scalars, "scalar", nil, "Scalar field as name=value (repeatable)")
	cmd.MarkFlagRequired("vector")
	return cmd
}

// ─── search ───────────────────────────────────────────────────────────────────

func searchCmd() *cobra.Command {
	var (
		vector   string
		idxType  string
		k        int
		filter   string
		efSearch int
	)
	cmd := &cobra.Command{
		Use:   "search",
		Short: "Top-k nearest-neighbor search",
		RunE: func(cmd *cobra.Command, args []string) error {
			vec, err := parseVector(vector)
			if err != nil {
				return err
			}

			req := client.SearchRequest{
				Vectors:   vec,
				K:         k,
				IndexType: idxType,
				EfSearch:  efSearch,
			}
			if filter != "" {
				cond, err := parseFilter(filter)
				if err != nil {
					return err
				}
				req.Filter = cond
			}

			c := client.New(serverAddr, timeout)
			result, err := c.Search(context.Background(), req)
			if err != nil {
				return err
			}
			prettyPrint(result)
			return nil
		},
	}
	cmd.Flags().StringVar(&vector, "vector", "", "Comma-separated query vector (required)")
	cmd.Flags().IntVar(&k, "k", 10, "Number of neighbors")
	cmd.Flags().StringVar(&idxType, "index", "FLAT", "Index to search: FLAT or HNSW")
	cmd.Flags().StringVar(&filter, "filter", "", "Filter as field=value or field!=value")
	cmd.Flags().IntVar(&efSearch, "ef-search", 0, "HNSW candidate pool (0 = index default)")
	cmd.MarkFlagRequired("vector")
	return cmd
}

// ─── query ────────────────────────────────────────────────────────────────────

func queryCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "query <id>",
		Short: "Fetch the canonical record by id",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := strconv.ParseUint(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("bad id %q: %w", args[0], err)
			}
			c := client.New(serverAddr, timeout)
			record, err := c.Query(context.Background(), id)
			if err != nil {
				return err
			}
			if len(record) == 0 {
				fmt.Printf("id %d not found\n", id)
				return nil
			}
			prettyPrint(record)
			return nil
		},
	}
}

// ─── snapshot ─────────────────────────────────────────────────────────────────

func snapshotCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "snapshot",
		Short: "Trigger a point-in-time snapshot",
		RunE: func(cmd *cobra.Command, args []string) error {
			c := client.New(serverAddr, timeout)
			if err := c.Snapshot(context.Background()); err != nil {
				return err
			}
			fmt.Println("snapshot taken")
			return nil
		},
	}
}

// ─── helpers ──────────────────────────────────────────────────────────────────

func parseVector(s string) ([]float32, error) {
	if s == "" {
		return nil, fmt.Errorf("--vector is required")
	}
	parts := strings.Split(s, ",")
	vec := make([]float32, len(parts))
	for i, p := range parts {
		f, err := strconv.ParseFloat(strings.TrimSpace(p), 32)
		if err != nil {
			return nil, fmt.Errorf("bad vector component %q: %w", p, err)
		}
		vec[i] = float32(f)
	}
	return vec, nil
}

func parseScalars(pairs []string) (map[string]any, error) {
	out := make(map[string]any, len(pairs))
	for _, pair := range pairs {
		name, value, ok := strings.Cut(pair, "=")
		if !ok {
			return nil, fmt.Errorf("bad scalar %q: expected name=value", pair)
		}
		// Integers stay integers so they reach the filter index;
		// everything else rides along as a string.
		if n, err := strconv.ParseInt(value, 10, 64); err == nil {
			out[name] = n
		} else {
			out[name] = value
		}
	}
	return out, nil
}

func parseFilter(s string) (*client.FilterCondition, error) {
	if field, value, ok := strings.Cut(s, "!="); ok {
		v, err := strconv.ParseInt(value, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("bad filter value %q: %w", value, err)
		}
		return &client.FilterCondition{FieldName: field, Op: "!=", Value: v}, nil
	}
	if field, value, ok := strings.Cut(s, "="); ok {
		v, err := strconv.ParseInt(value, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("bad filter value %q: %w", value, err)
		}
		return &client.FilterCondition{FieldName: field, Op: "=", Value: v}, nil
	}
	return nil, fmt.Errorf("bad filter %q: expected field=value or field!=value", s)
}

func prettyPrint(v any) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		fmt.Println(v)
		return
	}
	fmt.Println(string(data))
}
