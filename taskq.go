// Package taskq runs a task queue with its index directory, content file
// store, document engine and batch scheduler, all living under one
// directory:
//
//	<dir>/tasks         tasks, batches and their bitmap indexes
//	<dir>/indexes       one pebble environment per index
//	<dir>/update_files  document payloads waiting for their task
//
// Tasks are registered with Register or AddDocuments and applied by Tick,
// or by Run which ticks until its context is done.
package taskq

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/Masterminds/semver/v3"
	"github.com/cockroachdb/pebble"
	"github.com/drpcorg/taskq/documents"
	"github.com/drpcorg/taskq/filestore"
	"github.com/drpcorg/taskq/indexmapper"
	"github.com/drpcorg/taskq/queue"
	"github.com/drpcorg/taskq/scheduler"
	"github.com/drpcorg/taskq/tasks"
	"github.com/drpcorg/taskq/utils"
	"gopkg.in/yaml.v3"
)

type Options struct {
	pebble.Options `yaml:"-" toml:"-"`

	Dir            string `yaml:"dir" toml:"dir"`
	IndexesDir     string `yaml:"indexes_dir" toml:"indexes_dir"`
	UpdateFilesDir string `yaml:"update_files_dir" toml:"update_files_dir"`
	// IndexCacheSize bounds the index environments kept open.
	IndexCacheSize int `yaml:"index_cache_size" toml:"index_cache_size"`
	// MaxTasks makes the scheduler delete the oldest finished tasks once
	// the queue holds more; 0 keeps everything.
	MaxTasks        uint64 `yaml:"max_tasks" toml:"max_tasks"`
	MaxBatchedTasks int    `yaml:"max_batched_tasks" toml:"max_batched_tasks"`
	// Version of the binary, checked against the indexes and stamped on upgrades.
	Version  string `yaml:"version" toml:"version"`
	NoSync   bool   `yaml:"no_sync" toml:"no_sync"`
	LogLevel string `yaml:"log_level" toml:"log_level"`

	Logger      utils.Logger          `yaml:"-" toml:"-"`
	Snapshotter scheduler.Snapshotter `yaml:"-" toml:"-"`
	Upgrader    scheduler.Upgrader    `yaml:"-" toml:"-"`
	Exporter    scheduler.Exporter    `yaml:"-" toml:"-"`
}

func (o *Options) SetDefaults() {
	if o.Dir == "" {
		o.Dir = "taskq.data"
	}
	if o.IndexesDir == "" {
		o.IndexesDir = filepath.Join(o.Dir, "indexes")
	}
	if o.UpdateFilesDir == "" {
		o.UpdateFilesDir = filepath.Join(o.Dir, "update_files")
	}
	if o.IndexCacheSize <= 0 {
		o.IndexCacheSize = 20
	}
	if o.MaxBatchedTasks <= 0 {
		o.MaxBatchedTasks = 100
	}
	if o.Version == "" {
		o.Version = "1.0.0"
	}
	if o.Logger == nil {
		o.Logger = utils.NewLeveledLogger(o.LogLevel)
	}
}

func (o *Options) writeOptions() *pebble.WriteOptions {
	if o.NoSync {
		return pebble.NoSync
	}
	return pebble.Sync
}

// LoadOptions reads options from a .toml file or, for any other
// extension, a YAML file. Unknown keys are rejected.
func LoadOptions(path string) (opts Options, err error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return opts, err
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		md, err := toml.Decode(string(data), &opts)
		if err != nil {
			return opts, fmt.Errorf("%s: %w", path, err)
		}
		if undecoded := md.Undecoded(); len(undecoded) > 0 {
			return opts, fmt.Errorf("%s: unknown option %s", path, undecoded[0])
		}
	default:
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err = dec.Decode(&opts); err != nil && err != io.EOF {
			return opts, fmt.Errorf("%s: %w", path, err)
		}
	}
	return opts, nil
}

type TaskQueue struct {
	opts Options
	log  utils.Logger
	wake chan struct{}

	Queue     *queue.Queue
	Mapper    *indexmapper.Mapper
	Files     *filestore.FileStore
	Scheduler *scheduler.Scheduler
}

func Open(opts Options) (tq *TaskQueue, err error) {
	opts.SetDefaults()
	version, err := semver.NewVersion(opts.Version)
	if err != nil {
		return nil, fmt.Errorf("bad version %q: %w", opts.Version, err)
	}
	if err = os.MkdirAll(opts.Dir, 0o755); err != nil {
		return nil, err
	}
	tq = &TaskQueue{opts: opts, log: opts.Logger, wake: make(chan struct{}, 1)}
	defer func() {
		if err != nil {
			err = errors.Join(err, tq.Close())
			tq = nil
		}
	}()

	tq.Queue, err = queue.Open(filepath.Join(opts.Dir, "tasks"), queue.Options{
		Options:      opts.Options,
		WriteOptions: opts.writeOptions(),
		Logger:       opts.Logger,
	})
	if err != nil {
		return
	}
	tq.Mapper, err = indexmapper.New(tq.Queue.Database(), indexmapper.Options{
		Dir:          opts.IndexesDir,
		CacheSize:    opts.IndexCacheSize,
		Version:      version,
		WriteOptions: opts.writeOptions(),
		Logger:       opts.Logger,
	})
	if err != nil {
		return
	}
	if tq.Files, err = filestore.New(opts.UpdateFilesDir); err != nil {
		return
	}
	tq.Scheduler = scheduler.New(tq.Queue, tq.Mapper, scheduler.Options{
		Executor:        documents.NewExecutor(tq.Files),
		Snapshotter:     opts.Snapshotter,
		Upgrader:        opts.Upgrader,
		Exporter:        opts.Exporter,
		Files:           tq.Files,
		Version:         version,
		MaxTasks:        opts.MaxTasks,
		MaxBatchedTasks: opts.MaxBatchedTasks,
		Logger:          opts.Logger,
	})
	tq.log.Info("task queue open", "dir", opts.Dir, "version", version.String())
	return tq, nil
}

func (tq *TaskQueue) Close() error {
	var errs []error
	if tq.Mapper != nil {
		errs = append(errs, tq.Mapper.Close())
		tq.Mapper = nil
	}
	if tq.Queue != nil {
		errs = append(errs, tq.Queue.Close())
		tq.Queue = nil
	}
	return errors.Join(errs...)
}

func (tq *TaskQueue) notify() {
	select {
	case tq.wake <- struct{}{}:
	default:
	}
}

// Register enqueues kind and wakes Run.
func (tq *TaskQueue) Register(kind tasks.KindWithContent) (*tasks.Task, error) {
	task, err := tq.Scheduler.Register(kind)
	if err != nil {
		return nil, err
	}
	tq.notify()
	return task, nil
}

// AddDocuments stores payload, a JSON array or a stream of JSON objects,
// as a content file and enqueues its addition to index.
func (tq *TaskQueue) AddDocuments(index string, payload io.Reader, method tasks.IndexDocumentsMethod,
	primaryKey *string) (*tasks.Task, error) {
	data, err := io.ReadAll(payload)
	if err != nil {
		return nil, err
	}
	count, err := documents.Count(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	id, f, err := tq.Files.Create()
	if err != nil {
		return nil, err
	}
	_, err = f.Write(data)
	err = errors.Join(err, f.Close())
	if err == nil {
		var task *tasks.Task
		task, err = tq.Register(&tasks.DocumentAdditionOrUpdate{
			Index:              index,
			PrimaryKey:         primaryKey,
			Method:             method,
			ContentFile:        id,
			DocumentsCount:     count,
			AllowIndexCreation: true,
		})
		if err == nil {
			return task, nil
		}
	}
	return nil, errors.Join(err, tq.Files.Delete(id))
}

func (tq *TaskQueue) Task(uid tasks.TaskID) (*tasks.Task, error) {
	return tq.Queue.GetTask(tq.Queue.Database(), uid)
}

func (tq *TaskQueue) Batch(uid tasks.BatchID) (*tasks.Batch, error) {
	return tq.Queue.GetBatch(tq.Queue.Database(), uid)
}

// Tasks lists the tasks with one of the statuses, every task if none given.
func (tq *TaskQueue) Tasks(statuses ...tasks.Status) ([]*tasks.Task, error) {
	snap := tq.Queue.ReadTxn()
	defer snap.Close()
	ids, err := tq.Queue.AllTaskIDs(snap)
	if err != nil {
		return nil, err
	}
	if len(statuses) > 0 {
		matched, err := tq.Queue.GetStatus(snap, statuses[0])
		if err != nil {
			return nil, err
		}
		for _, status := range statuses[1:] {
			bm, err := tq.Queue.GetStatus(snap, status)
			if err != nil {
				return nil, err
			}
			matched.Or(bm)
		}
		ids.And(matched)
	}
	return tq.Queue.GetExistingTasks(snap, ids)
}

// Check lists every broken invariant of the stored tasks and batches.
func (tq *TaskQueue) Check() ([]error, error) {
	snap := tq.Queue.ReadTxn()
	defer snap.Close()
	return tq.Queue.CheckConsistency(snap, tq.Files)
}

func (tq *TaskQueue) Tick(ctx context.Context) (scheduler.TickOutcome, error) {
	return tq.Scheduler.Tick(ctx)
}

// Run processes batches until ctx is done or the scheduler stops for good.
func (tq *TaskQueue) Run(ctx context.Context) error {
	err := tq.Scheduler.Run(ctx, tq.wake)
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
