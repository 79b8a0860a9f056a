package cli

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/tgentry/packvault/internal/config"
	"github.com/tgentry/packvault/internal/objects"
	"github.com/tgentry/packvault/internal/pack"
	"github.com/tgentry/packvault/internal/refstore"
	"github.com/tgentry/packvault/internal/repo"
	"github.com/tgentry/packvault/internal/repoerr"
	"github.com/tgentry/packvault/internal/save"
)

const (
	repoDir    = ".packvault"
	objectsDir = "objects"
	refsFile   = "refs.db"
)

var (
	saveName  string
	saveStrip string
	saveEpoch int64
	saveDate  string
)

var saveCmd = &cobra.Command{
	Use:   "save --name BRANCH [--strip PREFIX] [--date EPOCH] [-d DATE] PATH...",
	Short: "Save one or more paths into the repository and commit the result",
	Long: `Save walks each PATH depth-first, hashsplits file content and
directory trees into the pack store, deduplicating against every object
already on disk, then advances BRANCH to a new commit over the result.
Multiple PATH arguments are combined under one synthetic root, each named
after its own base name unless --strip trims a shared prefix first.`,
	Args: cobra.MinimumNArgs(1),
	RunE: runSave,
}

func init() {
	saveCmd.Flags().StringVar(&saveName, "name", "", "branch to commit onto (required)")
	saveCmd.Flags().StringVar(&saveStrip, "strip", "", "prefix to strip from a PATH before using it as that root's name")
	saveCmd.Flags().Int64Var(&saveEpoch, "date", 0, "commit timestamp as a unix epoch in seconds")
	saveCmd.Flags().StringVarP(&saveDate, "date-string", "d", "", "commit timestamp as an RFC3339 date")
	saveCmd.MarkFlagRequired("name")
}

func runSave(cmd *cobra.Command, args []string) error {
	timestamp, err := resolveTimestamp(saveEpoch, saveDate)
	if err != nil {
		return repoerr.Input("date", err)
	}

	cfg, err := config.LoadConfig(false)
	if err != nil {
		return repoerr.Input("config", err)
	}

	store, err := repo.Open(filepath.Join(repoDir, objectsDir), pack.Options{
		CompressionLevel: cfg.EffectiveCompression(),
		SizeLimit:        cfg.Pack.PackSizeLimit,
	}, cfg.Bup.SeparateMeta, nil)
	if err != nil {
		return repoerr.StorageFatal(repoDir, err)
	}

	refs, err := refstore.Open(filepath.Join(repoDir, refsFile))
	if err != nil {
		return repoerr.StorageFatal(repoDir, err)
	}
	defer refs.Close()

	strip := saveStrip
	if strip != "" {
		if abs, err := filepath.Abs(strip); err == nil {
			strip = abs
		}
	}

	roots := make([]objects.ID, 0, len(args))
	names := make([]string, 0, len(args))
	for _, path := range args {
		abs, err := filepath.Abs(path)
		if err != nil {
			return repoerr.Input(path, err)
		}
		if _, err := os.Stat(abs); err != nil {
			return repoerr.Input(path, err)
		}

		walker := save.NewLocalWalker(abs, strip)
		root, err := save.Save(walker, store, cfg)
		walker.Close()
		if err != nil {
			return err
		}
		roots = append(roots, root)
		names = append(names, walker.WrapperName())
	}

	rootID := roots[0]
	if len(roots) > 1 {
		rootID, err = save.CombineRoots(names, roots, store)
		if err != nil {
			return err
		}
	}

	commitID, err := store.CommitRef(refs, cfg.Bup.RefsName, saveName, func(parent objects.ID, exists bool) (objects.Commit, error) {
		var parents []objects.ID
		if exists {
			parents = []objects.ID{parent}
		}
		return objects.Commit{
			Tree:      rootID,
			Parents:   parents,
			Timestamp: timestamp,
		}, nil
	})
	if err != nil {
		return err
	}

	if _, err := store.Finish(); err != nil {
		return err
	}

	fmt.Println(commitID.String())
	return nil
}

// resolveTimestamp reconciles the two date flags the save command accepts:
// --date takes a raw unix epoch, -d takes an RFC3339 date string. Neither
// set defaults to the current time.
func resolveTimestamp(epoch int64, dateStr string) (int64, error) {
	if epoch != 0 && dateStr != "" {
		return 0, fmt.Errorf("--date and -d are mutually exclusive")
	}
	if epoch != 0 {
		return epoch, nil
	}
	if dateStr != "" {
		t, err := time.Parse(time.RFC3339, dateStr)
		if err != nil {
			return 0, fmt.Errorf("parse date %q: %w", dateStr, err)
		}
		return t.Unix(), nil
	}
	return time.Now().Unix(), nil
}
