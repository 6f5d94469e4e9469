package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/basket/taskrelay/internal/client"
	"github.com/basket/taskrelay/internal/service"
	"github.com/basket/taskrelay/internal/shared"
	"github.com/basket/taskrelay/internal/stream"
)

// dial connects to the gateway as role unless --role overrides it.
func (a *app) dial(ctx context.Context, role string) (*client.Client, error) {
	url, err := a.gatewayURL()
	if err != nil {
		return nil, err
	}
	if a.role != "" {
		role = a.role
	}
	return client.Dial(ctx, url, client.Options{APIKey: a.authKey(), Role: role, Name: "taskrelay-cli"})
}

// invoke runs one operation and prints its events and result.
func (a *app) invoke(cmd *cobra.Command, role, op string, params any) error {
	c, err := a.dial(cmd.Context(), role)
	if err != nil {
		return err
	}
	defer c.Close()

	p := a.printer(cmd.OutOrStdout())
	var onEvent func(stream.Event)
	if p.styled || a.stream {
		onEvent = p.event
	}
	raw, err := c.Call(cmd.Context(), op, params, onEvent)
	if err != nil {
		var rerr *client.RPCError
		if errors.As(err, &rerr) && len(rerr.Details) > 0 {
			return fmt.Errorf("%w: %s", err, rerr.Details)
		}
		return err
	}
	p.result(raw)
	return nil
}

// readInput reads path, or stdin when path is "-".
func (a *app) readInput(path string) ([]byte, error) {
	if path == "-" {
		return io.ReadAll(a.stdin)
	}
	return os.ReadFile(path)
}

// taskList accepts either a bare JSON array of tasks or an object carrying
// them under "tasks".
func taskList(data []byte) (json.RawMessage, error) {
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return nil, errors.New("task file is empty")
	}
	if data[0] == '[' {
		return json.RawMessage(data), nil
	}
	var wrapper struct {
		Tasks json.RawMessage `json:"tasks"`
	}
	if err := json.Unmarshal(data, &wrapper); err != nil {
		return nil, fmt.Errorf("parse task file: %w", err)
	}
	if len(wrapper.Tasks) == 0 {
		return nil, errors.New(`task file has no "tasks" array`)
	}
	return wrapper.Tasks, nil
}

func newCreateCommand(a *app) *cobra.Command {
	var conversation, request, file string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create the task collection for a conversation/request pair",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			data, err := a.readInput(file)
			if err != nil {
				return err
			}
			tasks, err := taskList(data)
			if err != nil {
				return err
			}
			return a.invoke(cmd, shared.RolePlanner, service.OpCreateTasks, map[string]any{
				"conversation_id": conversation,
				"request_id":      request,
				"tasks":           tasks,
			})
		},
	}
	cmd.Flags().StringVar(&conversation, "conversation", "", "conversation id")
	cmd.Flags().StringVar(&request, "request", "", "request id")
	cmd.Flags().StringVarP(&file, "file", "f", "-", `JSON task file, "-" for stdin`)
	_ = cmd.MarkFlagRequired("conversation")
	_ = cmd.MarkFlagRequired("request")
	return cmd
}

func newNextCommand(a *app) *cobra.Command {
	var conversation string
	cmd := &cobra.Command{
		Use:   "next",
		Short: "Claim the next executable pending task",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.invoke(cmd, shared.RoleWorker, service.OpNextTask,
				service.ConversationParams{ConversationID: conversation})
		},
	}
	cmd.Flags().StringVar(&conversation, "conversation", "", "restrict to one conversation")
	return cmd
}

func newCompleteCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "complete TASK_ID",
		Short: "Mark a task completed",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.invoke(cmd, shared.RoleWorker, service.OpCompleteTask, service.TaskParams{TaskID: args[0]})
		},
	}
}

func newSaveExecutionCommand(a *app) *cobra.Command {
	var file, text string
	cmd := &cobra.Command{
		Use:   "save-execution TASK_ID",
		Short: "Record how a task was carried out",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if file != "" && text != "" {
				return errors.New("use either --file or --text")
			}
			if file != "" {
				data, err := a.readInput(file)
				if err != nil {
					return err
				}
				text = string(data)
			}
			return a.invoke(cmd, shared.RoleWorker, service.OpSaveExecution, service.SaveExecutionParams{
				TaskID: args[0], ExecutionProcess: text,
			})
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "", `read the execution text from a file, "-" for stdin`)
	cmd.Flags().StringVar(&text, "text", "", "execution text")
	return cmd
}

func newCurrentCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "current",
		Short: "Show the task currently being executed",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.invoke(cmd, shared.RoleInspector, service.OpCurrentTask, struct{}{})
		},
	}
}

func newStatsCommand(a *app) *cobra.Command {
	var conversation string
	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Count tasks per status",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.invoke(cmd, shared.RoleInspector, service.OpTaskStats,
				service.ConversationParams{ConversationID: conversation})
		},
	}
	cmd.Flags().StringVar(&conversation, "conversation", "", "restrict to one conversation")
	return cmd
}

func newQueryCommand(a *app) *cobra.Command {
	var p service.QueryParams
	cmd := &cobra.Command{
		Use:   "query",
		Short: "List tasks by conversation, status or title",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.invoke(cmd, shared.RoleInspector, service.OpQueryTasks, p)
		},
	}
	cmd.Flags().StringVar(&p.ConversationID, "conversation", "", "conversation id")
	cmd.Flags().StringVar(&p.Status, "status", "", "pending, in_progress or completed")
	cmd.Flags().StringVar(&p.Title, "title", "", "case-insensitive title substring")
	return cmd
}

func newHistoryCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "history TASK_ID",
		Short: "List the journalled status transitions of a task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.invoke(cmd, shared.RoleInspector, service.OpTaskHistory, service.TaskParams{TaskID: args[0]})
		},
	}
}

func newWatchCommand(a *app) *cobra.Command {
	var conversation string
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Print task lifecycle events until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			c, err := a.dial(ctx, shared.RoleInspector)
			if err != nil {
				return err
			}
			defer c.Close()
			p := a.printer(cmd.OutOrStdout())
			return c.Watch(ctx, conversation, p.taskEvent)
		},
	}
	cmd.Flags().StringVar(&conversation, "conversation", "", "only events of this conversation")
	return cmd
}
