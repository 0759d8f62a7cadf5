package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/gostones/s3queue/internal"
	"github.com/gostones/s3queue/internal/config"
	"github.com/gostones/s3queue/internal/queue"
	"github.com/gostones/s3queue/internal/upload"
)

// progressPrinter logs the queue events.
type progressPrinter struct {
	log logrus.FieldLogger

	mu   sync.Mutex
	last map[int]int
}

func (p *progressPrinter) Progress(index int, e queue.Entry, parts []upload.PartProgress) {
	p.mu.Lock()
	defer p.mu.Unlock()
	// every other percent is enough
	if e.Progress%2 != 0 || p.last[index] == e.Progress {
		return
	}
	p.last[index] = e.Progress
	p.log.WithFields(logrus.Fields{
		"file":     e.Name,
		"progress": fmt.Sprintf("%d%%", e.Progress),
		"parts":    len(parts),
	}).Info("uploading")
}

func (p *progressPrinter) Done(index int, e queue.Entry, completed, total int) {
	log := p.log.WithField("file", e.Name)
	switch {
	case e.Completed:
		log.WithField("key", e.Key).Info(fmt.Sprintf("%s successfully uploaded.", e.Name))
	case e.Canceled:
		log.Warn("upload canceled")
	default:
		log.WithError(e.Err).Error("upload failed")
	}
	p.log.Info(fmt.Sprintf("%d out of %d uploads complete", completed, total))
}

func main() {
	serverURL := flag.String("server", "", "signing server URL, overrides S3UPLOAD_SERVER_URL")
	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), "usage: %s [-server url] file...\n", os.Args[0])
		flag.PrintDefaults()
	}
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		logrus.Fatal(err)
	}
	if *serverURL != "" {
		cfg.ServerURL = *serverURL
	}
	log := cfg.Logger()

	if flag.NArg() == 0 {
		flag.Usage()
		os.Exit(2)
	}

	backend, err := cfg.Backend(log)
	if err != nil {
		log.Fatal(err)
	}

	var entries []*queue.Entry
	for _, fp := range flag.Args() {
		e, err := queue.NewEntry(fp, cfg.ChunkSize())
		if err != nil {
			log.WithError(err).WithField("file", fp).Error("skipping file")
			continue
		}
		entries = append(entries, e)
	}

	uploader := upload.NewUploader(backend, cfg.UploadOptions(log))
	seq := queue.New(uploader, queue.Options{
		KeyPrefix: cfg.KeyPrefix,
		Listener:  &progressPrinter{log: log, last: make(map[int]int)},
		Log:       log,
	})

	// first interrupt cancels the current upload, the second one the whole queue
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt)
	go func() {
		canceled := -1
		for range sig {
			if i := seq.Current(); i >= 0 && i != canceled && seq.CancelCurrent(i) {
				canceled = i
				log.WithField("index", i).Warn("canceling current upload, interrupt again to stop the queue")
				continue
			}
			cancel()
			return
		}
	}()

	track := internal.TimeTrack(log, "queue")
	start := time.Now()
	summary, err := seq.Start(ctx, entries...)
	track(start)
	if err != nil {
		log.WithError(err).Error("queue stopped")
	}
	if summary.Failed > 0 || summary.Canceled > 0 || err != nil {
		os.Exit(1)
	}
}
