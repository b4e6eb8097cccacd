package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/andreyvit/docdb"
)

func (a *app) infoCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "info",
		Short: "Print database statistics",
		Args:  cobra.NoArgs,
		RunE: a.runE(func(cmd *cobra.Command, args []string) error {
			s, err := a.db.Stats()
			if err != nil {
				return err
			}
			w := cmd.OutOrStdout()
			fmt.Fprintf(w, "path:      %s\n", a.db.Path())
			fmt.Fprintf(w, "uuid:      %s\n", a.db.UUID())
			fmt.Fprintf(w, "documents: %d\n", s.Documents)
			fmt.Fprintf(w, "last seq:  %d\n", s.LastSeq)
			fmt.Fprintf(w, "size:      %d\n", s.Size)
			fmt.Fprintf(w, "blobs:     %d (%d bytes)\n", s.Blobs, s.BlobBytes)
			for _, b := range s.Buckets {
				fmt.Fprintf(w, "bucket %s: %d keys, %d bytes\n", b.Name, b.Keys, b.Size)
			}
			for _, v := range s.Views {
				fmt.Fprintf(w, "view %s: %d rows, indexed to %d\n", v.Name, v.Rows, v.LastSeq)
			}
			return nil
		}),
	}
}

func (a *app) getCmd() *cobra.Command {
	var revID string
	cmd := &cobra.Command{
		Use:   "get <doc-id>",
		Short: "Print a document's current (or given) revision as JSON",
		Args:  cobra.ExactArgs(1),
		RunE: a.runE(func(cmd *cobra.Command, args []string) error {
			rev, err := a.db.GetRevision(args[0], revID)
			if err != nil {
				return err
			}
			props, err := rev.LoadProperties()
			if err != nil {
				return err
			}
			return writeJSON(cmd.OutOrStdout(), props)
		}),
	}
	cmd.Flags().StringVar(&revID, "rev", "", "Revision ID (default: current)")
	return cmd
}

func (a *app) putCmd() *cobra.Command {
	var (
		prevRevID     string
		allowConflict bool
	)
	cmd := &cobra.Command{
		Use:   "put <doc-id> [json|-]",
		Short: "Store a new revision; reads JSON from stdin when the body is - or omitted",
		Args:  cobra.RangeArgs(1, 2),
		RunE: a.runE(func(cmd *cobra.Command, args []string) error {
			props, err := readProps(cmd, args[1:])
			if err != nil {
				return err
			}
			if prevRevID == "" {
				if r, ok := props["_rev"].(string); ok {
					prevRevID = r
				}
			}
			rev, err := a.db.Put(args[0], props, prevRevID, allowConflict)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", rev.DocID(), rev.RevID())
			return nil
		}),
	}
	cmd.Flags().StringVar(&prevRevID, "rev", "", "Parent revision ID (default: _rev of the body)")
	cmd.Flags().BoolVar(&allowConflict, "allow-conflict", false, "Allow creating a conflicting branch")
	return cmd
}

func (a *app) deleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <doc-id>",
		Short: "Delete a document by adding a tombstone revision",
		Args:  cobra.ExactArgs(1),
		RunE: a.runE(func(cmd *cobra.Command, args []string) error {
			rev, err := a.db.DeleteDocument(args[0])
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s %s deleted\n", rev.DocID(), rev.RevID())
			return nil
		}),
	}
}

func (a *app) purgeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "purge <doc-id>...",
		Short: "Remove documents and their entire history",
		Args:  cobra.MinimumNArgs(1),
		RunE: a.runE(func(cmd *cobra.Command, args []string) error {
			for _, id := range args {
				ok, err := a.db.Purge(id)
				if err != nil {
					return err
				}
				if ok {
					fmt.Fprintf(cmd.OutOrStdout(), "%s purged\n", id)
				} else {
					fmt.Fprintf(cmd.OutOrStdout(), "%s not found\n", id)
				}
			}
			return nil
		}),
	}
}

func (a *app) changesCmd() *cobra.Command {
	var (
		since   uint64
		limit   int
		leaves  bool
		withDoc bool
	)
	cmd := &cobra.Command{
		Use:   "changes",
		Short: "List revisions committed after a sequence number",
		Args:  cobra.NoArgs,
		RunE: a.runE(func(cmd *cobra.Command, args []string) error {
			revs, err := a.db.ChangesSince(since, &docdb.ChangesOptions{
				Limit:       limit,
				LeavesOnly:  leaves,
				IncludeDocs: withDoc,
			})
			if err != nil {
				return err
			}
			w := cmd.OutOrStdout()
			for _, rev := range revs {
				flag := ""
				if rev.IsDeletion() {
					flag = " deleted"
				}
				fmt.Fprintf(w, "%d %s %s%s\n", rev.Sequence(), rev.DocID(), rev.RevID(), flag)
				if withDoc {
					props, err := rev.LoadProperties()
					if err != nil {
						return err
					}
					if err := writeJSON(w, props); err != nil {
						return err
					}
				}
			}
			return nil
		}),
	}
	cmd.Flags().Uint64Var(&since, "since", 0, "Only list revisions after this sequence")
	cmd.Flags().IntVar(&limit, "limit", 0, "Maximum number of revisions")
	cmd.Flags().BoolVar(&leaves, "leaves", false, "Only list revisions that are still leaves")
	cmd.Flags().BoolVar(&withDoc, "docs", false, "Print revision bodies")
	return cmd
}

func (a *app) allDocsCmd() *cobra.Command {
	var (
		start, end string
		limit      int
		descending bool
		deleted    bool
		conflicts  bool
		onlyConfl  bool
		withDoc    bool
	)
	cmd := &cobra.Command{
		Use:   "all-docs",
		Short: "List documents in ID order",
		Args:  cobra.NoArgs,
		RunE: a.runE(func(cmd *cobra.Command, args []string) error {
			q := a.db.CreateAllDocumentsQuery()
			if start != "" {
				q.StartKey = start
			}
			if end != "" {
				q.EndKey = end
			}
			q.Limit = limit
			q.Descending = descending
			q.Prefetch = withDoc
			switch {
			case onlyConfl:
				q.AllDocsMode = docdb.OnlyConflicts
			case conflicts:
				q.AllDocsMode = docdb.ShowConflicts
			case deleted:
				q.AllDocsMode = docdb.IncludeDeleted
			}
			rows, err := q.Run(cmd.Context())
			if err != nil {
				return err
			}
			w := cmd.OutOrStdout()
			for row := rows.Next(); row != nil; row = rows.Next() {
				rev, deleted := rowRev(row)
				line := row.SourceDocumentID + " " + rev
				if deleted {
					line += " deleted"
				}
				if len(row.Conflicts) > 1 {
					line += " conflicts=" + strings.Join(row.Conflicts[1:], ",")
				}
				fmt.Fprintln(w, line)
				if withDoc && row.DocumentProperties != nil {
					if err := writeJSON(w, row.DocumentProperties); err != nil {
						return err
					}
				}
			}
			return nil
		}),
	}
	f := cmd.Flags()
	f.StringVar(&start, "start", "", "First document ID")
	f.StringVar(&end, "end", "", "Last document ID")
	f.IntVar(&limit, "limit", 0, "Maximum number of documents")
	f.BoolVar(&descending, "descending", false, "List in reverse order")
	f.BoolVar(&deleted, "include-deleted", false, "Include deleted documents")
	f.BoolVar(&conflicts, "conflicts", false, "Show conflicting revisions")
	f.BoolVar(&onlyConfl, "only-conflicts", false, "Only list documents in conflict")
	f.BoolVar(&withDoc, "docs", false, "Print document bodies")
	return cmd
}

func (a *app) compactCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "compact",
		Short: "Drop old revision bodies, prune revision trees and delete unused attachments",
		Args:  cobra.NoArgs,
		RunE: a.runE(func(cmd *cobra.Command, args []string) error {
			res, err := a.db.Compact()
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "pruned %d revisions, deleted %d blobs, freed %d bytes\n", res.PrunedRevisions, res.DeletedBlobs, res.FreedBytes)
			return nil
		}),
	}
}

// dumpDoc is the YAML dump record of one document.
type dumpDoc struct {
	ID         string         `yaml:"id"`
	Rev        string         `yaml:"rev"`
	Deleted    bool           `yaml:"deleted,omitempty"`
	Conflicts  []string       `yaml:"conflicts,omitempty"`
	Properties map[string]any `yaml:"properties,omitempty"`
}

type dumpFile struct {
	Name      string            `yaml:"name"`
	UUID      string            `yaml:"uuid"`
	LastSeq   uint64            `yaml:"last_seq"`
	Documents []dumpDoc         `yaml:"documents"`
	Views     map[string]uint64 `yaml:"views,omitempty"`
}

func (a *app) dumpCmd() *cobra.Command {
	var format string
	cmd := &cobra.Command{
		Use:   "dump",
		Short: "Dump database contents (text: raw storage, yaml: documents)",
		Args:  cobra.NoArgs,
		RunE: a.runE(func(cmd *cobra.Command, args []string) error {
			switch format {
			case "text":
				s, err := a.db.Dump(docdb.DumpAll)
				if err != nil {
					return err
				}
				_, err = io.WriteString(cmd.OutOrStdout(), s)
				return err
			case "yaml":
				df, err := a.dumpDocuments(cmd.Context())
				if err != nil {
					return err
				}
				enc := yaml.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent(2)
				if err := enc.Encode(df); err != nil {
					return err
				}
				return enc.Close()
			default:
				return fmt.Errorf("unknown format %q (want text or yaml)", format)
			}
		}),
	}
	cmd.Flags().StringVar(&format, "format", "text", "Output format: text or yaml")
	return cmd
}

func (a *app) dumpDocuments(ctx context.Context) (*dumpFile, error) {
	q := a.db.CreateAllDocumentsQuery()
	q.AllDocsMode = docdb.IncludeDeleted
	q.Prefetch = true
	rows, err := q.Run(ctx)
	if err != nil {
		return nil, err
	}
	df := &dumpFile{
		Name:      a.db.Name(),
		UUID:      a.db.UUID(),
		LastSeq:   rows.SequenceNumber(),
		Documents: make([]dumpDoc, 0, rows.Count()),
	}
	for _, row := range rows.Rows() {
		rev, deleted := rowRev(row)
		d := dumpDoc{
			ID:         row.SourceDocumentID,
			Rev:        rev,
			Deleted:    deleted,
			Properties: docdb.UserProperties(row.DocumentProperties),
		}
		conflicts, err := a.db.ConflictingRevisions(row.SourceDocumentID)
		if err != nil {
			return nil, err
		}
		if len(conflicts) > 1 {
			for _, c := range conflicts[1:] {
				d.Conflicts = append(d.Conflicts, c.RevID())
			}
		}
		df.Documents = append(df.Documents, d)
	}
	for _, v := range a.db.AllViews() {
		if df.Views == nil {
			df.Views = make(map[string]uint64)
		}
		df.Views[v.Name()] = v.LastSequenceIndexed()
	}
	return df, nil
}

func (a *app) localCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "local",
		Short: "Read and write local (non-replicated) documents",
	}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "get <id>",
			Short: "Print a local document as JSON",
			Args:  cobra.ExactArgs(1),
			RunE: a.runE(func(cmd *cobra.Command, args []string) error {
				props, err := a.db.GetExistingLocalDocument(args[0])
				if err != nil {
					return err
				}
				if props == nil {
					return fmt.Errorf("local document %q not found", args[0])
				}
				return writeJSON(cmd.OutOrStdout(), props)
			}),
		},
		&cobra.Command{
			Use:   "put <id> [json|-]",
			Short: "Replace a local document",
			Args:  cobra.RangeArgs(1, 2),
			RunE: a.runE(func(cmd *cobra.Command, args []string) error {
				props, err := readProps(cmd, args[1:])
				if err != nil {
					return err
				}
				rev, err := a.db.PutLocalDocument(args[0], props)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", args[0], rev)
				return nil
			}),
		},
		&cobra.Command{
			Use:   "delete <id>",
			Short: "Delete a local document",
			Args:  cobra.ExactArgs(1),
			RunE: a.runE(func(cmd *cobra.Command, args []string) error {
				ok, err := a.db.DeleteLocalDocument(args[0])
				if err != nil {
					return err
				}
				if !ok {
					return fmt.Errorf("local document %q not found", args[0])
				}
				return nil
			}),
		},
	)
	return cmd
}

func readProps(cmd *cobra.Command, args []string) (map[string]any, error) {
	var data []byte
	if len(args) == 0 || args[0] == "-" {
		var err error
		data, err = io.ReadAll(cmd.InOrStdin())
		if err != nil {
			return nil, err
		}
	} else {
		data = []byte(args[0])
	}
	var props map[string]any
	if err := json.Unmarshal(data, &props); err != nil {
		return nil, fmt.Errorf("invalid JSON body: %w", err)
	}
	if props == nil {
		return nil, fmt.Errorf("body must be a JSON object")
	}
	return props, nil
}

// rowRev extracts the current revision of an all-documents row.
func rowRev(row *docdb.QueryRow) (rev string, deleted bool) {
	v, _ := row.Value.(map[string]any)
	rev, _ = v["rev"].(string)
	deleted, _ = v["deleted"].(bool)
	return rev, deleted
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
