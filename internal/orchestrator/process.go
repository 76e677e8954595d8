package orchestrator

import (
	"context"
	"fmt"
	"net/http"
	"slices"
	"time"

	"github.com/livinlefevreloca/apisync/internal/endpoint"
	"github.com/livinlefevreloca/apisync/internal/output"
	"github.com/livinlefevreloca/apisync/internal/queue"
	"github.com/livinlefevreloca/apisync/internal/runlog"
)

// runPrimary executes fetch → transform → write → record for one item.
func (o *Orchestrator) runPrimary(ctx context.Context, p endpoint.Primary, ov endpoint.RequestOverrides) outcome {
	name := endpoint.Name(p)
	res := outcome{record: runlog.Record{
		Endpoint: name,
		DateTime: o.runDate.UTC().Format(time.RFC3339),
	}}

	o.summary.Processed++
	o.logger.Debug("processing endpoint", "endpoint", name, "params", ov.Params)

	header, err := o.headers(ctx)
	if err != nil {
		return o.fail(res, runlog.StageHTTP, err)
	}

	resp, err := o.fetcher.Fetch(ctx, endpoint.BuildRequest(p, ov), header)
	if err != nil {
		return o.fail(res, runlog.StageHTTP, err)
	}

	data, err := endpoint.Transform(p, resp.Data)
	if err != nil {
		return o.fail(res, runlog.StageParsingResponse, fmt.Errorf("cannot transform data from %s: %w", name, err))
	}
	res.data = data

	switch e := p.(type) {
	case *endpoint.SnapshotEndpoint:
		res.record.Total = 1
		result, err := o.writer.WriteSnapshot(ctx, e.DirName, runlog.Stamp(o.runDate), data)
		if err != nil {
			return o.fail(res, runlog.StageOutput, err)
		}
		o.count(&res.record, result)

	case *endpoint.TimeBoundEndpoint:
		records, ok := data.([]any)
		if !ok && hasData(data) {
			return o.fail(res, runlog.StageParsingResponse, fmt.Errorf("cannot iterate through data from %s", name))
		}

		days, err := bucketByDay(records, e.DayKey)
		if err != nil {
			return o.fail(res, runlog.StageParsingResponse, fmt.Errorf("cannot parse data from %s into days: %w", name, err))
		}
		res.record.Total = len(records)
		res.record.Days = len(days)

		for _, d := range days {
			result, err := o.writer.WriteKeyed(ctx, e.DirName, d.day, d.records)
			if err != nil {
				return o.fail(res, runlog.StageOutput, err)
			}
			o.count(&res.record, result)
		}

	default:
		return o.fail(res, runlog.StageOther, fmt.Errorf("unsupported endpoint type %T", p))
	}

	o.produce(name, data)
	o.journal.AddRun(res.record)
	res.ok = true
	return res
}

// produce keeps the data of name for the secondaries. When an endpoint runs
// more than once in an invocation its entities are concatenated.
func (o *Orchestrator) produce(name string, data any) {
	prev, seen := o.produced[name].([]any)
	entities, isList := data.([]any)
	switch {
	case seen && isList:
		o.produced[name] = slices.Concat(prev, entities)
	case seen && !hasData(data):
	default:
		o.produced[name] = data
	}
}

// advanceHistoric schedules the next step of a backfill sweep. A failed step
// is retried with the same params after the page delay.
func (o *Orchestrator) advanceHistoric(q Queue, p endpoint.Primary, params endpoint.Params, res outcome) error {
	tb, ok := p.(*endpoint.TimeBoundEndpoint)
	if !ok || tb.NextParams == nil {
		return nil
	}

	name := endpoint.Name(p)
	now := o.runDate.Unix()
	pageDelay := tb.PageDelay
	if pageDelay <= 0 {
		pageDelay = tb.Delay
	}

	next := queue.Entry{Endpoint: name, Historic: true}
	switch {
	case !res.ok:
		next.Params = params
		next.RunAfter = now + seconds(pageDelay)
		o.journal.QueueNote(name, fmt.Sprintf("retrying historic entry for %s", name))
	case hasData(res.data):
		next.Params = tb.NextParams(params)
		next.RunAfter = now + seconds(pageDelay)
		o.journal.QueueNote(name, fmt.Sprintf("adding historic queue entry for %s", name))
	default:
		next.Params = endpoint.InitialHistoricParams(p)
		next.RunAfter = now + seconds(o.integration.HistoricDelay)
		o.journal.QueueNote(name, fmt.Sprintf("historic data exhausted for %s, restarting sweep later", name))
	}

	return q.Add(next)
}

// requeueHistoric puts unprocessed historic items back on q, due now.
// Standard items already hold their next poll slot.
func (o *Orchestrator) requeueHistoric(q Queue, items []queue.RunItem) {
	for _, item := range items {
		if !item.Historic || item.Params == nil {
			continue
		}
		err := q.Add(queue.Entry{
			Endpoint: item.Endpoint,
			RunAfter: o.runDate.Unix(),
			Historic: true,
			Params:   item.Params,
		})
		if err != nil {
			o.journal.Error(runlog.StageQueueManagement, item.Endpoint, err)
			continue
		}
		o.journal.QueueNote(item.Endpoint, fmt.Sprintf("keeping unprocessed historic entry for %s", item.Endpoint))
	}
}

// runSecondaries fans out over the data each primary produced during this
// invocation.
func (o *Orchestrator) runSecondaries(ctx context.Context) error {
	for _, s := range o.integration.Secondary {
		data, ok := o.produced[s.Primary]
		if !ok || data == nil {
			continue
		}

		entities, ok := data.([]any)
		if !ok {
			o.journal.Error(runlog.StageParsingResponse, s.DirName,
				fmt.Errorf("cannot iterate through data from %s for %s", s.Primary, s.DirName))
			continue
		}

		for _, entity := range entities {
			if err := ctx.Err(); err != nil {
				return err
			}
			o.runSecondary(ctx, s, entity)
		}
	}
	return nil
}

func (o *Orchestrator) runSecondary(ctx context.Context, s endpoint.SecondaryEndpoint, entity any) {
	o.summary.Secondary++

	path, err := s.Path(entity)
	if err != nil {
		o.journal.Error(runlog.StageParsingResponse, s.DirName, fmt.Errorf("cannot build %s request: %w", s.DirName, err))
		o.summary.Failed++
		return
	}

	res := outcome{record: runlog.Record{
		Endpoint: path,
		DateTime: o.runDate.UTC().Format(time.RFC3339),
		Total:    1,
	}}

	id, err := s.Identifier(entity)
	if err != nil {
		o.fail(res, runlog.StageParsingResponse, fmt.Errorf("cannot identify %s entity: %w", s.DirName, err))
		return
	}

	header, err := o.headers(ctx)
	if err != nil {
		o.fail(res, runlog.StageHTTP, err)
		return
	}

	method := s.Method
	if method == "" {
		method = http.MethodGet
	}
	resp, err := o.fetcher.Fetch(ctx, endpoint.Request{Method: method, Path: path, MockKey: path}, header)
	if err != nil {
		o.fail(res, runlog.StageHTTP, err)
		return
	}

	data := resp.Data
	if s.Transform != nil {
		data, err = s.Transform(resp.Data)
		if err != nil {
			o.fail(res, runlog.StageParsingResponse, fmt.Errorf("cannot transform data from %s: %w", path, err))
			return
		}
	}

	result, err := o.writer.WriteKeyed(ctx, s.DirName, id, data)
	if err != nil {
		o.fail(res, runlog.StageOutput, err)
		return
	}
	o.count(&res.record, result)
	o.journal.AddRun(res.record)
}

func (o *Orchestrator) fail(res outcome, stage runlog.Stage, err error) outcome {
	o.journal.Error(stage, res.record.Endpoint, err)
	res.record.Failed = true
	res.record.Error = err.Error()
	o.journal.AddRun(res.record)
	o.summary.Failed++
	res.ok = false
	return res
}

func (o *Orchestrator) count(r *runlog.Record, result output.Result) {
	if result == output.Skipped {
		r.FilesSkipped++
		o.summary.FilesSkipped++
		return
	}
	r.FilesWritten++
	o.summary.FilesWritten++
}

type dayBucket struct {
	day     string
	records []any
}

// bucketByDay sets record["day"] on every record and groups the records by
// day in first-seen order.
func bucketByDay(records []any, dayKey func(map[string]any) (string, error)) ([]dayBucket, error) {
	var buckets []dayBucket
	index := make(map[string]int)

	for i, r := range records {
		record, ok := r.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("record %d is %T, not an object", i, r)
		}
		day, err := dayKey(record)
		if err != nil {
			return nil, fmt.Errorf("record %d: %w", i, err)
		}
		record["day"] = day

		pos, seen := index[day]
		if !seen {
			pos = len(buckets)
			index[day] = pos
			buckets = append(buckets, dayBucket{day: day})
		}
		buckets[pos].records = append(buckets[pos].records, record)
	}
	return buckets, nil
}

// hasData reports whether a fetch returned anything worth paging past.
// Empty arrays and empty objects both count as exhausted.
func hasData(data any) bool {
	switch v := data.(type) {
	case nil:
		return false
	case []any:
		return len(v) > 0
	case map[string]any:
		return len(v) > 0
	case string:
		return v != ""
	default:
		return true
	}
}

func seconds(d time.Duration) int64 {
	return int64(d / time.Second)
}
