package kv

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"path"
	"strings"
	"time"

	"github.com/bbcarchdev/libcluster/job"
)

// jobDirPath returns /<key>/[<partition>/]<environment>/job/, a sub-path
// of the member directory whose records Snapshot/AwaitChange never see —
// the job sidecar's writes must never perturb the balance algorithm.
func (b *Backend) jobDirPath() string {
	return path.Join(b.dirPath(), "job") + "/"
}

func (b *Backend) jobPath(id string) string {
	return path.Join(b.jobDirPath(), id)
}

type wireJob struct {
	ID       string `json:"id"`
	Key      string `json:"key"`
	Env      string `json:"env"`
	Parent   string `json:"parent,omitempty"`
	Name     string `json:"name,omitempty"`
	Tag      string `json:"tag,omitempty"`
	Status   string `json:"status"`
	Progress int    `json:"progress"`
	Total    int    `json:"total"`
	Updated  int64  `json:"updated"`
}

// PutJob writes the job's full record as one JSON value under
// job/<id>, ungated by any TTL (unlike cluster membership entries, a
// job record persists until Destroy removes it).
func (b *Backend) PutJob(ctx context.Context, r job.Record) error {
	w := wireJob{
		ID:       r.ID,
		Key:      r.Key,
		Env:      r.Env,
		Parent:   r.Parent,
		Name:     r.Name,
		Tag:      r.Tag,
		Status:   string(r.Status),
		Progress: r.Progress,
		Total:    r.Total,
		Updated:  r.Updated.UTC().Unix(),
	}
	buf, err := json.Marshal(w)
	if err != nil {
		return fmt.Errorf("kv: put job: encode: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, b.url(b.jobPath(r.ID), nil), strings.NewReader(string(buf)))
	if err != nil {
		return err
	}
	resp, err := b.client.Do(req)
	if err != nil {
		return fmt.Errorf("kv: put job: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		return fmt.Errorf("kv: put job: unexpected status %s", resp.Status)
	}
	return nil
}

// GetJob reads back one job's record.
func (b *Backend) GetJob(ctx context.Context, key, env, id string) (job.Record, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, b.url(b.jobPath(id), nil), nil)
	if err != nil {
		return job.Record{}, err
	}
	resp, err := b.client.Do(req)
	if err != nil {
		return job.Record{}, fmt.Errorf("kv: get job: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound {
		return job.Record{}, fmt.Errorf("kv: get job: %s not found", id)
	}
	if resp.StatusCode/100 != 2 {
		return job.Record{}, fmt.Errorf("kv: get job: unexpected status %s", resp.Status)
	}
	var w wireJob
	if err := json.NewDecoder(resp.Body).Decode(&w); err != nil {
		return job.Record{}, fmt.Errorf("kv: get job: decode: %w", err)
	}
	return job.Record{
		ID:       w.ID,
		Key:      w.Key,
		Env:      w.Env,
		Parent:   w.Parent,
		Name:     w.Name,
		Tag:      w.Tag,
		Status:   job.Status(w.Status),
		Progress: w.Progress,
		Total:    w.Total,
		Updated:  time.Unix(w.Updated, 0).UTC(),
	}, nil
}

// DeleteJob removes a job's record. Best-effort, same as Retract.
func (b *Backend) DeleteJob(ctx context.Context, key, env, id string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, b.url(b.jobPath(id), nil), nil)
	if err != nil {
		return err
	}
	resp, err := b.client.Do(req)
	if err != nil {
		return fmt.Errorf("kv: delete job: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 && resp.StatusCode != http.StatusNotFound {
		return fmt.Errorf("kv: delete job: unexpected status %s", resp.Status)
	}
	return nil
}
