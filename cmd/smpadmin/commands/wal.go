package commands

import (
	"fmt"
	"io"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/mySupply/phoss-smp/internal/platform/wal"
	rdmodels "github.com/mySupply/phoss-smp/internal/redirect/models"
	rdstore "github.com/mySupply/phoss-smp/internal/redirect/store"
	sgmodels "github.com/mySupply/phoss-smp/internal/servicegroup/models"
	sgstore "github.com/mySupply/phoss-smp/internal/servicegroup/store"
	simodels "github.com/mySupply/phoss-smp/internal/serviceinfo/models"
	sistore "github.com/mySupply/phoss-smp/internal/serviceinfo/store"
)

var walDir string

var walCmd = &cobra.Command{
	Use:   "wal",
	Short: "Inspect and compact the XML document stores",
}

var walVerifyCmd = &cobra.Command{
	Use:   "verify",
	Short: "Replay every document and log without writing",
	Long: `verify reads each XML document, replays its write-ahead log in memory and
reports the resulting record counts. Nothing is written. A non-zero exit
status means the server would refuse to start on this directory.`,
	RunE: runWALVerify,
}

var walCompactCmd = &cobra.Command{
	Use:   "compact",
	Short: "Fold the write-ahead logs into their documents",
	Long: `compact opens each store, writes a fresh document and truncates the log.
The server must not be running on the same directory.`,
	RunE: runWALCompact,
}

func init() {
	walCmd.PersistentFlags().StringVarP(&walDir, "dir", "d", "data", "Directory holding the XML documents")
	walCmd.AddCommand(walVerifyCmd, walCompactCmd)
	rootCmd.AddCommand(walCmd)
}

type recoverFunc func(dir string, logger *slog.Logger) (int, wal.RecoveryStats, error)

func recoverer[T any](name string, codec wal.Codec[T]) recoverFunc {
	return func(dir string, logger *slog.Logger) (int, wal.RecoveryStats, error) {
		items, stats, err := wal.Recover(dir, name, codec, logger)
		return len(items), stats, err
	}
}

var documents = []struct {
	name    string
	recover recoverFunc
}{
	{sgstore.WALName, recoverer[*sgmodels.ServiceGroup](sgstore.WALName, sgstore.Codec{})},
	{sistore.WALName, recoverer[*simodels.ServiceInformation](sistore.WALName, sistore.Codec{})},
	{rdstore.WALName, recoverer[*rdmodels.Redirect](rdstore.WALName, rdstore.Codec{})},
}

func runWALVerify(cmd *cobra.Command, _ []string) error {
	out := cmd.OutOrStdout()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	var failed bool
	for _, doc := range documents {
		n, stats, err := doc.recover(walDir, logger)
		if err != nil {
			failed = true
			_ = failure(cmd.ErrOrStderr(), fmt.Sprintf("%s: recovery failed", doc.name), err)
			continue
		}
		success(out, "%s: %d records (%d in document, %d log entries replayed)",
			doc.name, n, stats.DocumentItems, stats.Replayed)
		if stats.TornTail {
			warning(out, "%s: interrupted final log entry will be discarded", doc.name)
		}
	}
	if failed {
		return fmt.Errorf("verification failed")
	}
	return nil
}

func runWALCompact(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	out := cmd.OutOrStdout()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	groups, err := sgstore.OpenWAL(walDir, logger, 0)
	if err != nil {
		return failure(cmd.ErrOrStderr(), "cannot open service groups", err)
	}
	defer groups.Close()
	infos, err := sistore.OpenWAL(walDir, logger, 0)
	if err != nil {
		return failure(cmd.ErrOrStderr(), "cannot open service information", err)
	}
	defer infos.Close()
	redirects, err := rdstore.OpenWAL(walDir, logger, 0)
	if err != nil {
		return failure(cmd.ErrOrStderr(), "cannot open redirects", err)
	}
	defer redirects.Close()

	if err := groups.Checkpoint(ctx); err != nil {
		return failure(cmd.ErrOrStderr(), "compacting service groups failed", err)
	}
	if err := infos.Checkpoint(ctx); err != nil {
		return failure(cmd.ErrOrStderr(), "compacting service information failed", err)
	}
	if err := redirects.Checkpoint(ctx); err != nil {
		return failure(cmd.ErrOrStderr(), "compacting redirects failed", err)
	}
	success(out, "compacted %s", walDir)
	return nil
}
