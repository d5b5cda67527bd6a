package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/olekukonko/tablewriter"

	"replicafs/internal/protocol"
)

type statusCommand struct {
	ctx context.Context
}

func (c *statusCommand) Execute(_ []string) error {
	a, err := newApp(c.ctx)
	if err != nil {
		return err
	}

	nodes, err := a.meta.NodeStatus(c.ctx)
	if err != nil {
		return err
	}

	fmt.Fprintf(a.out, "metadata server %s: healthy\n", a.meta.Endpoint())
	table := tablewriter.NewWriter(a.out)
	table.SetHeader([]string{"Node", "Endpoint", "Status", "Last Healthy", "Failures", "Chunks", "Used"})
	for _, n := range nodes {
		chunks, used := "-", "-"
		if n.Status == protocol.NodeHealthy {
			if stats, err := a.nodes.Stats(c.ctx, n.Endpoint); err == nil {
				chunks = strconv.Itoa(stats.Chunks)
				used = formatSize(stats.UsedBytes)
			}
		}
		table.Append([]string{
			n.ID,
			n.Endpoint,
			string(n.Status),
			formatTime(n.LastSeenHealthyAt),
			strconv.Itoa(n.ConsecutiveFailures),
			chunks,
			used,
		})
	}
	table.Render()
	return nil
}

type uploadCommand struct {
	ctx  context.Context
	Args struct {
		Path string `positional-arg-name:"path" description:"file to upload"`
	} `positional-args:"yes" required:"yes"`
}

func (c *uploadCommand) Execute(_ []string) error {
	a, err := newApp(c.ctx)
	if err != nil {
		return err
	}

	res, err := a.client.UploadFile(c.ctx, c.Args.Path)
	if err != nil {
		return err
	}

	fmt.Fprintf(a.out, "uploaded %s (%s, %d chunks)\nfile id: %s\n",
		res.Name, formatSize(res.Size), res.ChunkCount, res.FileID)
	return nil
}

type listCommand struct {
	ctx context.Context
}

func (c *listCommand) Execute(_ []string) error {
	a, err := newApp(c.ctx)
	if err != nil {
		return err
	}

	files, err := a.meta.ListFiles(c.ctx)
	if err != nil {
		return err
	}
	if len(files) == 0 {
		fmt.Fprintln(a.out, "no files stored")
		return nil
	}

	table := tablewriter.NewWriter(a.out)
	table.SetHeader([]string{"File ID", "Name", "Size", "Chunks", "State", "Created"})
	for _, f := range files {
		table.Append([]string{
			f.FileID,
			f.Name,
			formatSize(f.Size),
			strconv.Itoa(f.ChunkCount),
			string(f.State),
			formatTime(f.CreatedAt),
		})
	}
	table.Render()
	return nil
}

type downloadCommand struct {
	ctx    context.Context
	Output string `short:"o" long:"output" description:"destination path (defaults to the stored name)"`
	Args   struct {
		FileID string `positional-arg-name:"file_id"`
	} `positional-args:"yes" required:"yes"`
}

func (c *downloadCommand) Execute(_ []string) error {
	a, err := newApp(c.ctx)
	if err != nil {
		return err
	}

	dir := "."
	if c.Output != "" {
		dir = filepath.Dir(c.Output)
	}
	tmp, err := os.CreateTemp(dir, ".replicafs-download-*")
	if err != nil {
		return fmt.Errorf("create output: %w", err)
	}
	defer os.Remove(tmp.Name()) //nolint:errcheck

	info, err := a.client.Download(c.ctx, c.Args.FileID, tmp)
	if cerr := tmp.Close(); err == nil && cerr != nil {
		err = fmt.Errorf("write output: %w", cerr)
	}
	if err != nil {
		return err
	}

	target := c.Output
	if target == "" {
		target = outputName(info)
	}
	if err := os.Rename(tmp.Name(), target); err != nil {
		return fmt.Errorf("write output: %w", err)
	}

	fmt.Fprintf(a.out, "downloaded %s (%s) to %s\n", info.Name, formatSize(info.Size), target)
	return nil
}

type deleteCommand struct {
	ctx  context.Context
	Args struct {
		FileID string `positional-arg-name:"file_id"`
	} `positional-args:"yes" required:"yes"`
}

func (c *deleteCommand) Execute(_ []string) error {
	a, err := newApp(c.ctx)
	if err != nil {
		return err
	}

	if err := a.meta.Delete(c.ctx, c.Args.FileID); err != nil {
		return err
	}

	fmt.Fprintf(a.out, "deleted %s\n", c.Args.FileID)
	return nil
}
