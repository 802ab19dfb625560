package ingest

import (
	"bufio"
	"context"
	"io"
	"log/slog"
	"os"
	"time"

	"finalarm/internal/config"
	"finalarm/internal/model"
)

// StartFileTail follows statement exports that gain one record per line,
// re-opening a file when it is truncated or rotated.
func StartFileTail(ctx context.Context, cfg *config.Manager, conv *Converter, out chan<- model.IngestEvent, logger *slog.Logger) {
	current := cfg.Get().Ingest.FileTail
	if !current.Enabled {
		if logger != nil {
			logger.Info("file tail ingest disabled")
		}
		return
	}
	for _, path := range current.Files {
		if logger != nil {
			logger.Info("file tail ingest enabled", "path", path, "start_at_end", current.StartAtEnd)
		}
		// Each file keeps its own CSV header.
		go tailFile(ctx, path, current.StartAtEnd, NewParser(), conv, out, logger)
	}
}

func tailFile(ctx context.Context, path string, startAtEnd bool, parser *Parser, conv *Converter, out chan<- model.IngestEvent, logger *slog.Logger) {
	var file *os.File
	var offset int64
	for {
		select {
		case <-ctx.Done():
			if file != nil {
				_ = file.Close()
			}
			return
		default:
		}
		if file == nil {
			f, err := os.Open(path)
			if err != nil {
				if logger != nil {
					logger.Warn("tail open failed", "path", path, "err", err)
				}
				if !BackoffSleep(ctx, 500*time.Millisecond) {
					return
				}
				continue
			}
			file = f
			offset = 0
			if startAtEnd {
				if pos, err := file.Seek(0, io.SeekEnd); err == nil {
					offset = pos
				}
			}
		}

		reader := bufio.NewReader(file)
		var pending string
		for {
			chunk, err := reader.ReadString('\n')
			pending += chunk
			if err != nil {
				if err == io.EOF {
					if !BackoffSleep(ctx, 200*time.Millisecond) {
						_ = file.Close()
						return
					}
					info, statErr := os.Stat(path)
					if statErr == nil && info.Size() < offset {
						_ = file.Close()
						file = nil
						break
					}
					continue
				}
				if logger != nil {
					logger.Warn("tail read error", "path", path, "err", err)
				}
				_ = file.Close()
				file = nil
				break
			}
			line := pending
			pending = ""
			offset += int64(len(line))
			handleLine(ctx, line, "file_tail", parser, conv, out, logger)
		}
	}
}

func handleLine(ctx context.Context, line, source string, parser *Parser, conv *Converter, out chan<- model.IngestEvent, logger *slog.Logger) bool {
	rec, err := parser.ParseLine(line)
	if err != nil || rec == nil {
		if err != nil && logger != nil {
			logger.Warn("statement parse error", "source", source, "err", err)
		}
		return false
	}
	ev, err := conv.Event(rec, source)
	if err != nil {
		if logger != nil {
			logger.Warn("statement normalize error", "source", source, "err", err)
		}
		return false
	}
	return SendNonBlocking(ctx, out, ev, logger)
}
