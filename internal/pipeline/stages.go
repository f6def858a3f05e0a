package pipeline

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"std2bids/internal/logging"
	"std2bids/internal/services"
	"std2bids/internal/workspace"
)

// FetchedList is the file ukbfetch writes next to the downloads.
const FetchedList = "fetched.lis"

// bookkeeping matches files that track retrieval and must not leave incoming.
var bookkeeping = []string{LedgerFile, "fetched*", "*.stdout", "*.stderr"}

// missingKeys returns the canonical keys whose bulk file is absent from dir.
// File existence is authoritative; the ledger is not consulted.
func (p *Pipeline) missingKeys(dir string) []string {
	var missing []string
	for _, d := range p.subject.Descriptors {
		name := d.Filename(p.subject.Label)
		if _, err := os.Stat(filepath.Join(dir, name)); err == nil {
			continue
		}
		missing = append(missing, d.Key())
	}
	return missing
}

func (p *Pipeline) retrieve(ctx context.Context) error {
	logger := logging.WithContext(ctx, p.logger)
	return p.ws.Within(ctx, workspace.Incoming, func(dir string, save workspace.SaveFunc) error {
		missing := p.missingKeys(dir)
		if len(missing) == 0 {
			logger.Info("all bulk files present, nothing to fetch",
				logging.String(logging.FieldEventType, "fetch_skip"),
				logging.Int("fields", len(p.subject.Descriptors)),
			)
			return nil
		}
		p.requested = missing

		lines := make([]string, 0, len(missing))
		for _, key := range missing {
			lines = append(lines, LedgerLine(p.subject.Label, key))
		}
		batch, err := writeBatch(p.subject.Label, lines)
		if err != nil {
			return services.Wrap(services.ErrRetrieval, "retrieve", "batch", "write batch file", err)
		}
		defer os.RemoveAll(filepath.Dir(batch))

		res, err := p.deps.Fetcher.Fetch(ctx, batch, dir)
		if err != nil {
			return err
		}

		ledgerPath := filepath.Join(dir, LedgerFile)
		if _, err := UpdateLedger(ledgerPath, lines); err != nil {
			return services.Wrap(services.ErrRetrieval, "retrieve", "ledger", ledgerPath, err)
		}
		if _, err := save(MessageLedger, LedgerFile); err != nil {
			return err
		}

		logMessage := fmt.Sprintf("%s\n\nukbfetch exit status %d", MessageFetchLogs, res.ExitCode)
		if _, err := save(logMessage, FetchedList, filepath.Base(res.Stdout), filepath.Base(res.Stderr)); err != nil {
			return err
		}
		if _, err := save(MessageDownloaded); err != nil {
			return err
		}

		if still := p.missingKeys(dir); len(still) > 0 {
			logging.WarnWithContext(logger, "bulk files still missing after fetch",
				"fetch_incomplete",
				logging.Strings("missing", still),
				logging.Int("exit_code", res.ExitCode),
				logging.String(logging.FieldImpact, "later stages run with the files that arrived"),
				logging.String(logging.FieldErrorHint, "rerun to request the missing fields again"),
			)
		}
		return nil
	})
}

func (p *Pipeline) unpack(ctx context.Context) error {
	_, err := p.ws.DeriveBranch(ctx, workspace.Incoming, workspace.IncomingNative, MessageUnpacked, func(dir string) error {
		if err := p.deps.Transformer.RawToNative(ctx, dir); err != nil {
			return err
		}
		return removeBookkeeping(dir)
	})
	return err
}

func (p *Pipeline) reorganize(ctx context.Context) error {
	_, err := p.ws.DeriveBranch(ctx, workspace.IncomingNative, workspace.Bids, MessageConverted, func(dir string) error {
		return p.deps.Transformer.NativeToBids(ctx, dir)
	})
	return err
}

func (p *Pipeline) merge(ctx context.Context) error {
	_, err := p.ws.MergeIntoMain(ctx, MessageMerged)
	return err
}

func (p *Pipeline) finalize(ctx context.Context) error {
	dest, err := p.deps.Finalizer.Finalize(ctx, p.ws)
	if err != nil {
		return err
	}
	p.destination = dest
	return nil
}

func writeBatch(label string, lines []string) (string, error) {
	dir, err := os.MkdirTemp("", "std2bids-batch-")
	if err != nil {
		return "", err
	}
	path := filepath.Join(dir, "sub-"+label+".txt")
	if err := os.WriteFile(path, []byte(strings.Join(lines, "\n")+"\n"), 0o644); err != nil {
		_ = os.RemoveAll(dir)
		return "", err
	}
	return path, nil
}

func removeBookkeeping(dir string) error {
	for _, pattern := range bookkeeping {
		matches, err := filepath.Glob(filepath.Join(dir, pattern))
		if err != nil {
			return services.Wrap(services.ErrTransform, "unpack", "cleanup", pattern, err)
		}
		for _, m := range matches {
			if err := os.RemoveAll(m); err != nil {
				return services.Wrap(services.ErrTransform, "unpack", "cleanup", m, err)
			}
		}
	}
	return nil
}
