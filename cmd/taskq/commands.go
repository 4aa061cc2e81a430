package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/RoaringBitmap/roaring"
	"github.com/drpcorg/taskq/tasks"
)

var (
	HelpTask     = errors.New("task <uid>")
	HelpBatch    = errors.New("batch <uid>")
	HelpAdd      = errors.New("add|update <index> <file.json> [primary key]")
	HelpSettings = errors.New("settings <index> {\"rankingRules\":[...]} or settings <index> reset")
	HelpCreate   = errors.New("create <index> [primary key]")
	HelpDrop     = errors.New("drop <index>")
	HelpSwap     = errors.New("swap|rename <index> <index>")
	HelpCancel   = errors.New("cancel <uid>...")
	HelpDelete   = errors.New("delete <uid>...")
	HelpTick     = errors.New("tick [batches]")
)

func (repl *REPL) print(v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(repl.out, "%s\n", data)
	return err
}

func (repl *REPL) registered(task *tasks.Task, err error) error {
	if err == nil {
		_, err = fmt.Fprintf(repl.out, "task %d enqueued: %s\n", task.UID, task.Kind.Kind())
	}
	return err
}

func parseUIDs(args []string) (*roaring.Bitmap, error) {
	ids := roaring.New()
	for _, arg := range args {
		uid, err := strconv.ParseUint(arg, 10, 32)
		if err != nil {
			return nil, fmt.Errorf("bad task uid %q", arg)
		}
		ids.Add(uint32(uid))
	}
	return ids, nil
}

func (repl *REPL) CommandHelp(_ []string) error {
	for _, help := range []error{HelpTask, HelpBatch, HelpAdd, HelpSettings, HelpCreate, HelpDrop, HelpSwap,
		HelpCancel, HelpDelete, HelpTick} {
		_, _ = fmt.Fprintln(repl.out, help.Error())
	}
	_, err := fmt.Fprintln(repl.out, "tasks [status]...\nindexes\nprogress\ncheck\nexit")
	return err
}

func (repl *REPL) CommandTasks(args []string) error {
	statuses := make([]tasks.Status, 0, len(args))
	for _, arg := range args {
		status, err := tasks.ParseStatus(arg)
		if err != nil {
			return err
		}
		statuses = append(statuses, status)
	}
	list, err := repl.tq.Tasks(statuses...)
	if err != nil {
		return err
	}
	for _, task := range list {
		index := task.IndexUID()
		if index == "" {
			index = "-"
		}
		_, _ = fmt.Fprintf(repl.out, "%d\t%s\t%s\t%s\n", task.UID, task.Status, task.Kind.Kind(), index)
	}
	return nil
}

func (repl *REPL) CommandTask(args []string) error {
	if len(args) != 1 {
		return HelpTask
	}
	uid, err := strconv.ParseUint(args[0], 10, 32)
	if err != nil {
		return HelpTask
	}
	task, err := repl.tq.Task(uint32(uid))
	if err != nil {
		return err
	}
	if task == nil {
		return fmt.Errorf("task %d not found", uid)
	}
	return repl.print(task)
}

func (repl *REPL) CommandBatch(args []string) error {
	if len(args) != 1 {
		return HelpBatch
	}
	uid, err := strconv.ParseUint(args[0], 10, 32)
	if err != nil {
		return HelpBatch
	}
	batch, err := repl.tq.Batch(uint32(uid))
	if err != nil {
		return err
	}
	if batch == nil {
		return fmt.Errorf("batch %d not found", uid)
	}
	return repl.print(batch)
}

func (repl *REPL) CommandIndexes(_ []string) error {
	names, err := repl.tq.Mapper.Names(repl.tq.Queue.Database())
	if err != nil {
		return err
	}
	for _, name := range names {
		stats, err := repl.tq.Mapper.StatsOf(repl.tq.Queue.Database(), name)
		if err != nil || stats == nil {
			_, _ = fmt.Fprintf(repl.out, "%s\n", name)
			continue
		}
		_, _ = fmt.Fprintf(repl.out, "%s\t%d documents\t%d bytes\n", name, stats.NumberOfDocuments, stats.DatabaseSize)
	}
	return nil
}

func (repl *REPL) CommandProgress(_ []string) error {
	current := repl.tq.Scheduler.ProcessingTasks().Current()
	if current == nil {
		_, err := fmt.Fprintln(repl.out, "idle")
		return err
	}
	_, _ = fmt.Fprintf(repl.out, "batch %d, tasks %v\n", current.Batch, current.IDs.ToArray())
	return repl.print(current.Progress.View())
}

func (repl *REPL) CommandAdd(update bool, args []string) error {
	if len(args) < 2 || len(args) > 3 {
		return HelpAdd
	}
	f, err := os.Open(args[1])
	if err != nil {
		return err
	}
	defer f.Close()
	method := tasks.ReplaceDocuments
	if update {
		method = tasks.UpdateDocuments
	}
	var pk *string
	if len(args) == 3 {
		pk = &args[2]
	}
	return repl.registered(repl.tq.AddDocuments(args[0], f, method, pk))
}

func (repl *REPL) CommandSettings(args []string, line string) error {
	if len(args) < 2 {
		return HelpSettings
	}
	if args[1] == "reset" {
		return repl.registered(repl.tq.Register(&tasks.SettingsUpdate{Index: args[0], IsDeletion: true}))
	}
	// the settings object may contain spaces
	raw := strings.TrimSpace(line[strings.Index(line, args[0])+len(args[0]):])
	if !json.Valid([]byte(raw)) {
		return HelpSettings
	}
	return repl.registered(repl.tq.Register(&tasks.SettingsUpdate{
		Index:              args[0],
		NewSettings:        json.RawMessage(raw),
		AllowIndexCreation: true,
	}))
}

func (repl *REPL) CommandCreate(args []string) error {
	if len(args) < 1 || len(args) > 2 {
		return HelpCreate
	}
	kind := &tasks.IndexCreation{Index: args[0]}
	if len(args) == 2 {
		kind.PrimaryKey = &args[1]
	}
	return repl.registered(repl.tq.Register(kind))
}

func (repl *REPL) CommandDrop(args []string) error {
	if len(args) != 1 {
		return HelpDrop
	}
	return repl.registered(repl.tq.Register(&tasks.IndexDeletion{Index: args[0]}))
}

func (repl *REPL) CommandSwap(rename bool, args []string) error {
	if len(args) != 2 {
		return HelpSwap
	}
	if rename {
		return repl.registered(repl.tq.Register(&tasks.IndexUpdate{Index: args[0], NewIndexUID: &args[1]}))
	}
	return repl.registered(repl.tq.Register(&tasks.IndexSwaps{
		Swaps: []tasks.IndexSwap{{Indexes: [2]string{args[0], args[1]}}},
	}))
}

func (repl *REPL) CommandCancel(args []string) error {
	ids, err := parseUIDs(args)
	if err != nil || ids.IsEmpty() {
		return HelpCancel
	}
	query := "?uids=" + strings.Join(args, ",")
	return repl.registered(repl.tq.Register(&tasks.TaskCancelation{Query: query, Tasks: ids}))
}

func (repl *REPL) CommandDelete(args []string) error {
	ids, err := parseUIDs(args)
	if err != nil || ids.IsEmpty() {
		return HelpDelete
	}
	query := "?uids=" + strings.Join(args, ",")
	return repl.registered(repl.tq.Register(&tasks.TaskDeletion{Query: query, Tasks: ids}))
}

func (repl *REPL) CommandTick(args []string) error {
	limit := 0
	if len(args) == 1 {
		n, err := strconv.Atoi(args[0])
		if err != nil || n < 0 {
			return HelpTick
		}
		limit = n
	} else if len(args) > 1 {
		return HelpTick
	}
	n, outcome, err := tick(repl.ctx, repl.tq, limit)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(repl.out, "%d batches processed, %s\n", n, outcome)
	return err
}

func (repl *REPL) CommandCheck(_ []string) error {
	violations, err := repl.tq.Check()
	if err != nil {
		return err
	}
	for _, v := range violations {
		_, _ = fmt.Fprintln(repl.out, v.Error())
	}
	if len(violations) > 0 {
		return fmt.Errorf("%w: %d violations", ErrInconsistent, len(violations))
	}
	_, err = fmt.Fprintln(repl.out, "ok")
	return err
}
