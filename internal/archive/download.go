package archive

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
)

// Job is one file to fetch.
type Job struct {
	URL  string
	Path string // local destination
}

// Downloader fetches a batch of files. Implementations may leave some files
// missing; the caller retries those.
type Downloader interface {
	Download(ctx context.Context, jobs []Job) error
}

// Aria2 downloads batches with the aria2c command-line tool.
type Aria2 struct {
	Exec  string // aria2c binary name or path
	Proxy string // passed as --https-proxy when set
}

// Download writes an aria2c input file for jobs and runs aria2c on it.
func (a Aria2) Download(ctx context.Context, jobs []Job) error {
	bin, err := exec.LookPath(a.Exec)
	if err != nil {
		return fmt.Errorf("aria2c executable %q not found: %w", a.Exec, err)
	}

	input, err := os.CreateTemp("", "klinelake-aria2-*.txt")
	if err != nil {
		return err
	}
	defer os.Remove(input.Name())

	var sb strings.Builder
	for _, j := range jobs {
		if err := os.MkdirAll(filepath.Dir(j.Path), 0o755); err != nil {
			input.Close()
			return err
		}
		fmt.Fprintf(&sb, "%s\n  dir=%s\n  out=%s\n", j.URL, filepath.Dir(j.Path), filepath.Base(j.Path))
	}
	if _, err := input.WriteString(sb.String()); err != nil {
		input.Close()
		return err
	}
	if err := input.Close(); err != nil {
		return err
	}

	args := []string{"-i", input.Name(), "-j32", "-x4", "-q"}
	if a.Proxy != "" {
		args = append(args, "--https-proxy="+a.Proxy)
	}
	cmd := exec.CommandContext(ctx, bin, args...)
	cmd.Env = []string{}
	if out, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("aria2c: %w: %s", err, strings.TrimSpace(string(out)))
	}
	return nil
}

// Fetcher drives a Downloader over many jobs with batching and retries.
type Fetcher struct {
	Downloader Downloader
	BatchSize  int // default 4096
	MaxTries   int // default 3
	Logger     *slog.Logger
}

// FetchMissing downloads every job whose file does not exist yet. After
// each round the still-missing files are retried, up to MaxTries rounds. It
// returns the jobs that are still missing.
func (f *Fetcher) FetchMissing(ctx context.Context, jobs []Job) ([]Job, error) {
	batchSize := f.BatchSize
	if batchSize <= 0 {
		batchSize = 4096
	}
	tries := f.MaxTries
	if tries <= 0 {
		tries = 3
	}
	log := f.Logger
	if log == nil {
		log = slog.Default()
	}
	log = log.With("component", "archive_download")

	missing := Missing(jobs)
	for try := 0; try < tries && len(missing) > 0; try++ {
		log.Info("downloading", "try", try, "files", len(missing))
		for lo := 0; lo < len(missing); lo += batchSize {
			if err := ctx.Err(); err != nil {
				return missing, err
			}
			batch := missing[lo:min(lo+batchSize, len(missing))]
			if err := f.Downloader.Download(ctx, batch); err != nil {
				log.Warn("download batch failed",
					"batch", lo/batchSize+1,
					"files", len(batch),
					"first", filepath.Base(batch[0].Path),
					"error", err,
				)
			}
		}
		missing = Missing(missing)
	}
	if len(missing) > 0 {
		log.Warn("files still missing after retries", "files", len(missing), "tries", tries)
	}
	return missing, nil
}

// Missing returns the jobs whose destination file does not exist.
func Missing(jobs []Job) []Job {
	var out []Job
	for _, j := range jobs {
		if _, err := os.Stat(j.Path); errors.Is(err, fs.ErrNotExist) {
			out = append(out, j)
		}
	}
	return out
}
