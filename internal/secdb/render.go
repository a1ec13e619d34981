package secdb

import (
	"context"
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/sarnowski/msfailab/internal/fault"
)

// QueryTable runs the typed query for the named table and renders the rows
// as an aligned text table for the agent. Implements the database
// capability of the tool layer.
func (s *Store) QueryTable(ctx context.Context, workspace, table string, limit int) (string, error) {
	switch table {
	case TableHosts:
		rows, err := s.Hosts(ctx, workspace, limit)
		if err != nil {
			return "", err
		}
		return renderHosts(workspace, rows), nil
	case TableServices:
		rows, err := s.Services(ctx, workspace, limit)
		if err != nil {
			return "", err
		}
		return renderServices(workspace, rows), nil
	case TableVulns:
		rows, err := s.Vulns(ctx, workspace, limit)
		if err != nil {
			return "", err
		}
		return renderVulns(workspace, rows), nil
	case TableCreds:
		rows, err := s.Creds(ctx, workspace, limit)
		if err != nil {
			return "", err
		}
		return renderCreds(workspace, rows), nil
	case TableLoots:
		rows, err := s.Loots(ctx, workspace, limit)
		if err != nil {
			return "", err
		}
		return renderLoots(workspace, rows), nil
	case TableNotes:
		rows, err := s.Notes(ctx, workspace, limit)
		if err != nil {
			return "", err
		}
		return renderNotes(workspace, rows), nil
	default:
		return "", fault.Newf(fault.ExecutionError, "unknown table %q", table)
	}
}

func renderHosts(workspace string, rows []Host) string {
	if len(rows) == 0 {
		return emptyResult(TableHosts, workspace)
	}
	var b strings.Builder
	tw := tabwriter.NewWriter(&b, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ADDRESS\tNAME\tSTATE\tOS\tPURPOSE\tINFO")
	for _, h := range rows {
		os := strings.TrimSpace(h.OSName + " " + h.OSFlavor)
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n", h.Address, h.Name, h.State, os, h.Purpose, oneLine(h.Info))
	}
	tw.Flush()
	return trailer(&b, len(rows), TableHosts, workspace)
}

func renderServices(workspace string, rows []Service) string {
	if len(rows) == 0 {
		return emptyResult(TableServices, workspace)
	}
	var b strings.Builder
	tw := tabwriter.NewWriter(&b, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ADDRESS\tPORT\tPROTO\tSTATE\tNAME\tINFO")
	for _, s := range rows {
		fmt.Fprintf(tw, "%s\t%d\t%s\t%s\t%s\t%s\n", s.Address, s.Port, s.Proto, s.State, s.Name, oneLine(s.Info))
	}
	tw.Flush()
	return trailer(&b, len(rows), TableServices, workspace)
}

func renderVulns(workspace string, rows []Vuln) string {
	if len(rows) == 0 {
		return emptyResult(TableVulns, workspace)
	}
	var b strings.Builder
	tw := tabwriter.NewWriter(&b, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ADDRESS\tNAME\tINFO")
	for _, v := range rows {
		fmt.Fprintf(tw, "%s\t%s\t%s\n", v.Address, v.Name, oneLine(v.Info))
	}
	tw.Flush()
	return trailer(&b, len(rows), TableVulns, workspace)
}

func renderCreds(workspace string, rows []Cred) string {
	if len(rows) == 0 {
		return emptyResult(TableCreds, workspace)
	}
	var b strings.Builder
	tw := tabwriter.NewWriter(&b, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "USERNAME\tPRIVATE\tTYPE")
	for _, c := range rows {
		fmt.Fprintf(tw, "%s\t%s\t%s\n", c.Username, c.Private, credType(c.PrivateType))
	}
	tw.Flush()
	return trailer(&b, len(rows), TableCreds, workspace)
}

func renderLoots(workspace string, rows []Loot) string {
	if len(rows) == 0 {
		return emptyResult(TableLoots, workspace)
	}
	var b strings.Builder
	tw := tabwriter.NewWriter(&b, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ADDRESS\tTYPE\tNAME\tCONTENT-TYPE\tPATH\tINFO")
	for _, l := range rows {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n", l.Address, l.Type, l.Name, l.ContentType, l.Path, oneLine(l.Info))
	}
	tw.Flush()
	return trailer(&b, len(rows), TableLoots, workspace)
}

func renderNotes(workspace string, rows []Note) string {
	if len(rows) == 0 {
		return emptyResult(TableNotes, workspace)
	}
	var b strings.Builder
	tw := tabwriter.NewWriter(&b, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ADDRESS\tTYPE\tCRITICAL\tDATA")
	for _, n := range rows {
		fmt.Fprintf(tw, "%s\t%s\t%t\t%s\n", n.Address, n.Type, n.Critical, oneLine(n.Data))
	}
	tw.Flush()
	return trailer(&b, len(rows), TableNotes, workspace)
}

func emptyResult(table, workspace string) string {
	return fmt.Sprintf("No %s recorded in workspace %q.", table, workspace)
}

func trailer(b *strings.Builder, n int, table, workspace string) string {
	fmt.Fprintf(b, "\n%d %s in workspace %q", n, table, workspace)
	return b.String()
}

// oneLine collapses multi-line field values so rows stay aligned.
func oneLine(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

// credType strips the Metasploit::Credential:: prefix from the private
// type so the table shows Password, NTLMHash, SSHKey and so on.
func credType(t string) string {
	if i := strings.LastIndex(t, "::"); i >= 0 {
		return t[i+2:]
	}
	return t
}
