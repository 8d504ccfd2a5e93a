package docker

import (
	"bufio"
	"context"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/pkg/stdcopy"

	"swarm/internal/provider"
	"swarm/pkg/logging"
)

// GetInstanceLogs streams container output as log lines. The engine
// timestamps every line; we parse them back out so callers get structured
// entries. The stream ends when the container log is exhausted, or, with
// Follow, when the context is cancelled.
func (d *Driver) GetInstanceLogs(ctx context.Context, id string, opts provider.LogOptions) (<-chan provider.LogLine, error) {
	containerID, err := d.mustResolve(ctx, id)
	if err != nil {
		return nil, err
	}

	logOpts := container.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
		Timestamps: true,
		Follow:     opts.Follow,
	}
	if opts.Lines > 0 {
		logOpts.Tail = strconv.Itoa(opts.Lines)
	}
	if !opts.Since.IsZero() {
		logOpts.Since = opts.Since.Format(time.RFC3339Nano)
	}

	reader, err := d.cli.ContainerLogs(ctx, containerID, logOpts)
	if err != nil {
		return nil, d.translate("GetInstanceLogs", err)
	}

	out := make(chan provider.LogLine, 64)

	// The engine multiplexes stdout and stderr onto one stream unless the
	// container has a TTY; demux into a single ordered pipe of lines.
	pr, pw := io.Pipe()
	go func() {
		_, err := stdcopy.StdCopy(pw, pw, reader)
		pw.CloseWithError(err)
		reader.Close()
	}()

	go func() {
		defer close(out)
		scanner := bufio.NewScanner(pr)
		scanner.Buffer(make([]byte, 64*1024), 1024*1024)
		for scanner.Scan() {
			line := parseLogLine(scanner.Text())
			select {
			case out <- line:
			case <-ctx.Done():
				pr.CloseWithError(ctx.Err())
				return
			}
		}
		if err := scanner.Err(); err != nil && ctx.Err() == nil {
			logging.Debug("DockerProvider", "Log stream for %s ended: %v", id, err)
		}
	}()

	return out, nil
}

// parseLogLine splits the engine's "<rfc3339nano> <message>" format.
func parseLogLine(raw string) provider.LogLine {
	ts, rest, found := strings.Cut(raw, " ")
	if found {
		if parsed, err := time.Parse(time.RFC3339Nano, ts); err == nil {
			return provider.LogLine{Timestamp: parsed, Message: rest}
		}
	}
	return provider.LogLine{Timestamp: time.Now().UTC(), Message: raw}
}

// demux splits a multiplexed attach stream into stdout and stderr strings.
func demux(reader io.Reader) (string, string, error) {
	var stdout, stderr strings.Builder
	if _, err := stdcopy.StdCopy(&stdout, &stderr, reader); err != nil {
		return "", "", err
	}
	return stdout.String(), stderr.String(), nil
}
