package notify

import (
	"encoding/json"
	"log"
	"os"
	"path/filepath"
	"strings"

	"github.com/fsnotify/fsnotify"
)

// CorpusWatcher watches the corpus drop directory and dispatches batches to
// a callback. The callback persists the answers and refreshes the persona's
// index.
type CorpusWatcher struct {
	dir      string
	callback func(batch AnswerBatch)
	watcher  *fsnotify.Watcher
	done     chan struct{}
}

// NewCorpusWatcher creates a watcher for {dataPath}/corpus/.
func NewCorpusWatcher(dataPath string, callback func(batch AnswerBatch)) *CorpusWatcher {
	return &CorpusWatcher{
		dir:      filepath.Join(dataPath, "corpus"),
		callback: callback,
		done:     make(chan struct{}),
	}
}

// Start begins watching. Any batch files already present are drained first,
// then new ones are picked up as they appear. Call Stop() to clean up.
func (cw *CorpusWatcher) Start() error {
	if err := os.MkdirAll(cw.dir, 0o700); err != nil {
		return err
	}

	cw.drainExisting()

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := w.Add(cw.dir); err != nil {
		_ = w.Close()
		return err
	}
	cw.watcher = w

	go cw.loop()
	log.Printf("[Corpus] watching %s for answer batches", cw.dir)
	return nil
}

// Stop shuts down the watcher.
func (cw *CorpusWatcher) Stop() {
	if cw.watcher != nil {
		_ = cw.watcher.Close()
	}
	<-cw.done
}

func (cw *CorpusWatcher) loop() {
	defer close(cw.done)
	for {
		select {
		case evt, ok := <-cw.watcher.Events:
			if !ok {
				return
			}
			if evt.Op&fsnotify.Create != 0 && strings.HasSuffix(evt.Name, ".answers") {
				cw.processFile(evt.Name)
			}
		case err, ok := <-cw.watcher.Errors:
			if !ok {
				return
			}
			log.Printf("[Corpus] watcher error: %v", err)
		}
	}
}

func (cw *CorpusWatcher) drainExisting() {
	entries, err := os.ReadDir(cw.dir)
	if err != nil {
		return
	}
	for _, entry := range entries {
		if !entry.IsDir() && strings.HasSuffix(entry.Name(), ".answers") {
			cw.processFile(filepath.Join(cw.dir, entry.Name()))
		}
	}
}

func (cw *CorpusWatcher) processFile(path string) {
	data, err := os.ReadFile(path)
	if err != nil {
		return // file already consumed by another process
	}
	_ = os.Remove(path)

	var batch AnswerBatch
	if err := json.Unmarshal(data, &batch); err != nil {
		log.Printf("[Corpus] invalid batch file %s: %v", filepath.Base(path), err)
		return
	}

	if batch.PersonaID != "" && len(batch.Answers) > 0 && cw.callback != nil {
		cw.callback(batch)
	}
}
