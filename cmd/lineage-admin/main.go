// Command lineage-admin is an operational tool for a lineage store: it seeds
// demo data, applies single mutations, prints change history, and captures
// snapshots to the configured blob backend.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"

	"lineagecore/internal/core"
	"lineagecore/internal/infra/blob"
	"lineagecore/internal/infra/persistence"
	"lineagecore/pkg/domain"
)

var exitFunc = os.Exit

func main() {
	code := cli(os.Args[1:], os.Stdout, os.Stderr)
	exitFunc(code)
}

func cli(args []string, stdout, stderr io.Writer) int {
	if len(args) == 0 {
		usage(stderr)
		return 2
	}
	verb, rest := args[0], args[1:]

	store, err := persistence.Open()
	if err != nil {
		fmt.Fprintf(stderr, "open store: %v\n", err)
		return 1
	}
	defer func() { _ = store.Close() }()
	svc := core.NewService(store)

	ctx := context.Background()
	switch verb {
	case "seed":
		err = runSeed(ctx, svc, stdout)
	case "add":
		err = runAdd(ctx, svc, rest, stdout, stderr)
	case "move":
		err = runMove(ctx, svc, rest, stdout, stderr)
	case "list":
		err = runList(ctx, store, stdout)
	case "history":
		err = runHistory(ctx, store, rest, stdout, stderr)
	case "snapshot":
		err = runSnapshot(ctx, store, rest, stdout, stderr)
	default:
		fmt.Fprintf(stderr, "unknown command %q\n", verb)
		usage(stderr)
		return 2
	}
	if err != nil {
		if err == flag.ErrHelp {
			return 2
		}
		fmt.Fprintf(stderr, "%s: %v\n", verb, err)
		return 1
	}
	return 0
}

func usage(w io.Writer) {
	fmt.Fprintln(w, "usage: lineage-admin <seed|add|move|list|history|snapshot> [flags]")
}

func runSeed(ctx context.Context, svc *core.Service, stdout io.Writer) error {
	root, err := svc.CreateWithAutoID(ctx, domain.NodeDraft{Name: "Patriarch", Gender: domain.GenderMale, Status: domain.StatusLiving, Actor: "seed"})
	if err != nil {
		return err
	}
	son, err := svc.CreateWithAutoID(ctx, domain.NodeDraft{Name: "First Son", Gender: domain.GenderMale, Status: domain.StatusLiving, ParentID: &root.ID, Actor: "seed"})
	if err != nil {
		return err
	}
	if _, err := svc.CreateWithAutoID(ctx, domain.NodeDraft{Name: "First Daughter", Gender: domain.GenderFemale, Status: domain.StatusLiving, ParentID: &root.ID, Actor: "seed"}); err != nil {
		return err
	}
	if _, err := svc.CreateWithAutoID(ctx, domain.NodeDraft{Name: "Grandson", Gender: domain.GenderMale, Status: domain.StatusLiving, ParentID: &son.ID, Actor: "seed"}); err != nil {
		return err
	}
	fmt.Fprintf(stdout, "seeded demo tree rooted at node %d\n", root.ID)
	return nil
}

func runAdd(ctx context.Context, svc *core.Service, args []string, stdout, stderr io.Writer) error {
	fs := flag.NewFlagSet("add", flag.ContinueOnError)
	fs.SetOutput(stderr)
	name := fs.String("name", "", "node name (required)")
	gender := fs.String("gender", "male", "male|female")
	parent := fs.Int64("parent", 0, "parent node id (0 = root)")
	id := fs.Int64("id", 0, "explicit node id (0 = allocate)")
	actor := fs.String("actor", "admin", "actor recorded in the change trail")
	if err := fs.Parse(args); err != nil {
		return err
	}
	draft := domain.NodeDraft{
		Name:   strings.TrimSpace(*name),
		Gender: domain.Gender(*gender),
		Status: domain.StatusLiving,
		Actor:  *actor,
	}
	if *parent != 0 {
		draft.ParentID = parent
	}
	var node domain.Node
	var err error
	if *id != 0 {
		node, err = svc.CreateWithID(ctx, *id, draft)
	} else {
		node, err = svc.CreateWithAutoID(ctx, draft)
	}
	if err != nil {
		return err
	}
	fmt.Fprintf(stdout, "created node %d (generation %d)\n", node.ID, node.Generation)
	return nil
}

func runMove(ctx context.Context, svc *core.Service, args []string, stdout, stderr io.Writer) error {
	fs := flag.NewFlagSet("move", flag.ContinueOnError)
	fs.SetOutput(stderr)
	id := fs.Int64("id", 0, "node id to move (required)")
	parent := fs.Int64("parent", 0, "new parent id (0 = make root)")
	cascade := fs.Bool("cascade", true, "recompute descendant generations")
	actor := fs.String("actor", "admin", "actor recorded in the change trail")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *id == 0 {
		return fmt.Errorf("-id is required")
	}
	req := domain.MoveRequest{NodeID: *id, UpdateGenerations: *cascade, Actor: *actor}
	if *parent != 0 {
		req.NewParentID = parent
	}
	res, err := svc.Move(ctx, req)
	if err != nil {
		return err
	}
	fmt.Fprintf(stdout, "moved node %d: generation %d -> %d, %d descendants updated\n",
		res.Node.ID, res.OldGeneration, res.NewGeneration, res.DescendantsUpdated)
	return nil
}

func runList(ctx context.Context, store domain.Store, stdout io.Writer) error {
	nodes, err := store.ListNodes(ctx)
	if err != nil {
		return err
	}
	for _, n := range nodes {
		parent := "-"
		if n.ParentID != nil {
			parent = fmt.Sprintf("%d", *n.ParentID)
		}
		fmt.Fprintf(stdout, "%6d  gen=%d  parent=%s  sons=%d daughters=%d  v%d  %s\n",
			n.ID, n.Generation, parent, n.SonsCount, n.DaughtersCount, n.Version, n.Name)
	}
	return nil
}

func runHistory(ctx context.Context, store domain.Store, args []string, stdout, stderr io.Writer) error {
	fs := flag.NewFlagSet("history", flag.ContinueOnError)
	fs.SetOutput(stderr)
	id := fs.Int64("id", 0, "node id (required unless -batch)")
	batch := fs.String("batch", "", "batch id")
	if err := fs.Parse(args); err != nil {
		return err
	}
	var (
		records []domain.ChangeRecord
		err     error
	)
	switch {
	case *batch != "":
		records, err = store.BatchHistory(ctx, *batch)
	case *id != 0:
		records, err = store.History(ctx, *id)
	default:
		return fmt.Errorf("either -id or -batch is required")
	}
	if err != nil {
		return err
	}
	enc := json.NewEncoder(stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(records)
}

func runSnapshot(ctx context.Context, store domain.Store, args []string, stdout, stderr io.Writer) error {
	fs := flag.NewFlagSet("snapshot", flag.ContinueOnError)
	fs.SetOutput(stderr)
	list := fs.Bool("list", false, "list archived snapshots instead of capturing")
	if err := fs.Parse(args); err != nil {
		return err
	}
	blobs, err := blob.Open(ctx)
	if err != nil {
		return fmt.Errorf("open blob store: %w", err)
	}
	archiver := core.NewSnapshotArchiver(store, blobs)
	if *list {
		infos, err := archiver.List(ctx)
		if err != nil {
			return err
		}
		for _, info := range infos {
			fmt.Fprintf(stdout, "%s  %d bytes  %s\n", info.Key, info.Size, info.LastModified.Format("2006-01-02 15:04:05"))
		}
		return nil
	}
	info, err := archiver.Capture(ctx)
	if err != nil {
		return err
	}
	fmt.Fprintf(stdout, "captured %s (%d bytes)\n", info.Key, info.Size)
	return nil
}
