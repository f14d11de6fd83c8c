package gatecmd

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cuihairu/execgate/internal/authz"
	"github.com/cuihairu/execgate/internal/domain"
	"github.com/cuihairu/execgate/internal/ports"
	"github.com/cuihairu/execgate/internal/service/requests"
	"github.com/cuihairu/execgate/internal/status"
	"github.com/spf13/cobra"
)

func newRequestCmd(g *globals) *cobra.Command {
	cmd := &cobra.Command{Use: "request", Short: "Create, review and execute requests"}
	cmd.AddCommand(
		newCreateSQLCmd(g),
		newCreateExecCmd(g),
		newCommentCmd(g),
		newReviewCmd(g),
		newEditCmd(g),
		newExecuteCmd(g),
		newStatusCmd(g),
		newListCmd(g),
		newAuthorizeCmd(g),
		newExportCheckCmd(g),
	)
	return cmd
}

func (g *globals) user() (domain.User, error) {
	if g.actor == "" {
		return domain.User{}, errors.New("--as is required")
	}
	return domain.User{ID: g.actor}, nil
}

// actorRun wraps the common prologue: resolve the actor, wire the app.
func (g *globals) actorRun(fn func(ctx context.Context, a *app, actor domain.User, args []string) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		actor, err := g.user()
		if err != nil {
			return err
		}
		return g.withApp(cmd, func(ctx context.Context, a *app) error {
			return fn(ctx, a, actor, args)
		})
	}
}

func newCreateSQLCmd(g *globals) *cobra.Command {
	var in requests.DatasourceInput
	var kind string
	cmd := &cobra.Command{
		Use:   "create-sql",
		Short: "Request a SQL statement or a temporary datasource session",
		Args:  cobra.NoArgs,
	}
	cmd.RunE = g.actorRun(func(ctx context.Context, a *app, actor domain.User, _ []string) error {
		in.Kind = domain.RequestKind(kind)
		req, err := a.svc.CreateDatasourceRequest(ctx, actor, in)
		if err != nil {
			return err
		}
		return printJSON(cmd.OutOrStdout(), map[string]string{"id": req.ID})
	})
	f := cmd.Flags()
	f.StringVar(&in.ConnectionID, "connection", "", "datasource connection id")
	f.StringVar(&in.Title, "title", "", "short title")
	f.StringVar(&in.Description, "description", "", "longer description")
	f.StringVar(&in.Statement, "statement", "", "SQL to run (single execution)")
	f.BoolVar(&in.ReadOnly, "read-only", false, "session is read only")
	f.StringVar(&kind, "kind", string(domain.SingleExecution), "SingleExecution|TemporaryAccess")
	_ = cmd.MarkFlagRequired("connection")
	return cmd
}

func newCreateExecCmd(g *globals) *cobra.Command {
	var in requests.KubernetesInput
	var kind string
	cmd := &cobra.Command{
		Use:   "create-exec",
		Short: "Request a command or a temporary shell in a container",
		Args:  cobra.NoArgs,
	}
	cmd.RunE = g.actorRun(func(ctx context.Context, a *app, actor domain.User, _ []string) error {
		in.Kind = domain.RequestKind(kind)
		req, err := a.svc.CreateKubernetesRequest(ctx, actor, in)
		if err != nil {
			return err
		}
		return printJSON(cmd.OutOrStdout(), map[string]string{"id": req.ID})
	})
	f := cmd.Flags()
	f.StringVar(&in.ConnectionID, "connection", "", "kubernetes connection id")
	f.StringVar(&in.Title, "title", "", "short title")
	f.StringVar(&in.Description, "description", "", "longer description")
	f.StringVar(&in.Namespace, "namespace", "", "namespace")
	f.StringVar(&in.PodName, "pod", "", "pod name")
	f.StringVar(&in.ContainerName, "container", "", "container name")
	f.StringVar(&in.Command, "command", "", "command to run (single execution)")
	f.StringVar(&kind, "kind", string(domain.SingleExecution), "SingleExecution|TemporaryAccess")
	_ = cmd.MarkFlagRequired("connection")
	return cmd
}

func newCommentCmd(g *globals) *cobra.Command {
	var text string
	cmd := &cobra.Command{Use: "comment <id>", Short: "Comment on a request", Args: cobra.ExactArgs(1)}
	cmd.RunE = g.actorRun(func(ctx context.Context, a *app, actor domain.User, args []string) error {
		ev, err := a.svc.Comment(ctx, args[0], actor, text)
		if err != nil {
			return err
		}
		return printJSON(cmd.OutOrStdout(), viewEvent(ev))
	})
	cmd.Flags().StringVar(&text, "text", "", "comment text")
	return cmd
}

func newReviewCmd(g *globals) *cobra.Command {
	var action, comment string
	cmd := &cobra.Command{Use: "review <id>", Short: "Approve, comment or request changes", Args: cobra.ExactArgs(1)}
	cmd.RunE = g.actorRun(func(ctx context.Context, a *app, actor domain.User, args []string) error {
		ev, err := a.svc.Review(ctx, args[0], actor, domain.ReviewAction(action), comment)
		if err != nil {
			return err
		}
		return printJSON(cmd.OutOrStdout(), viewEvent(ev))
	})
	cmd.Flags().StringVar(&action, "action", string(domain.ReviewApprove), "APPROVE|COMMENT|REQUEST_CHANGE")
	cmd.Flags().StringVar(&comment, "comment", "", "review comment")
	return cmd
}

func newEditCmd(g *globals) *cobra.Command {
	var content string
	cmd := &cobra.Command{Use: "edit <id>", Short: "Replace the statement or command", Args: cobra.ExactArgs(1)}
	cmd.RunE = g.actorRun(func(ctx context.Context, a *app, actor domain.User, args []string) error {
		ev, err := a.svc.Edit(ctx, args[0], actor, content)
		if err != nil {
			return err
		}
		return printJSON(cmd.OutOrStdout(), viewEvent(ev))
	})
	cmd.Flags().StringVar(&content, "content", "", "new statement or command")
	return cmd
}

func newExecuteCmd(g *globals) *cobra.Command {
	var statement string
	cmd := &cobra.Command{Use: "execute <id>", Short: "Record an execution", Args: cobra.ExactArgs(1)}
	cmd.RunE = g.actorRun(func(ctx context.Context, a *app, actor domain.User, args []string) error {
		ev, err := a.svc.Execute(ctx, args[0], actor, statement)
		if err != nil {
			return err
		}
		return printJSON(cmd.OutOrStdout(), viewEvent(ev))
	})
	cmd.Flags().StringVar(&statement, "statement", "", "what a temporary session ran")
	return cmd
}

func newStatusCmd(g *globals) *cobra.Command {
	cmd := &cobra.Command{Use: "status <id>", Short: "Show a request with its derived status", Args: cobra.ExactArgs(1)}
	cmd.RunE = func(cmd *cobra.Command, args []string) error {
		return g.withApp(cmd, func(ctx context.Context, a *app) error {
			d, err := a.svc.Details(ctx, args[0])
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), viewDetails(d))
		})
	}
	return cmd
}

func newListCmd(g *globals) *cobra.Command {
	var f ports.RequestFilter
	var kind string
	cmd := &cobra.Command{Use: "list", Short: "List requests, newest first", Args: cobra.NoArgs}
	cmd.RunE = func(cmd *cobra.Command, args []string) error {
		return g.withApp(cmd, func(ctx context.Context, a *app) error {
			f.Kind = domain.RequestKind(kind)
			reqs, err := a.svc.List(ctx, f)
			if err != nil {
				return err
			}
			out := make([]requestView, 0, len(reqs))
			for _, r := range reqs {
				out = append(out, viewRequest(r))
			}
			return printJSON(cmd.OutOrStdout(), out)
		})
	}
	cmd.Flags().StringVar(&f.AuthorID, "author", "", "filter by author id")
	cmd.Flags().StringVar(&f.ConnectionID, "connection", "", "filter by connection id")
	cmd.Flags().StringVar(&kind, "kind", "", "filter by kind")
	cmd.Flags().IntVar(&f.Limit, "limit", 50, "max rows")
	return cmd
}

func newAuthorizeCmd(g *globals) *cobra.Command {
	var perm string
	cmd := &cobra.Command{Use: "authorize <id>", Short: "Check a permission for the acting user", Args: cobra.ExactArgs(1)}
	cmd.RunE = g.actorRun(func(ctx context.Context, a *app, actor domain.User, args []string) error {
		ok, err := a.svc.Authorize(ctx, args[0], actor, authz.Permission(perm))
		if err != nil {
			return err
		}
		return printJSON(cmd.OutOrStdout(), map[string]any{"permission": perm, "allowed": ok})
	})
	cmd.Flags().StringVar(&perm, "permission", string(authz.PermissionExecute), "permission, e.g. execution_request:execute")
	return cmd
}

func newExportCheckCmd(g *globals) *cobra.Command {
	var query string
	cmd := &cobra.Command{Use: "export-check <id>", Short: "Ask whether results may be exported as CSV", Args: cobra.ExactArgs(1)}
	cmd.RunE = g.actorRun(func(ctx context.Context, a *app, actor domain.User, args []string) error {
		ok, reason, err := a.svc.CanExportCSV(ctx, args[0], actor, query)
		if err != nil {
			return err
		}
		return printJSON(cmd.OutOrStdout(), map[string]any{"allowed": ok, "reason": reason})
	})
	cmd.Flags().StringVar(&query, "query", "", "query of a temporary access session")
	return cmd
}

// JSON views

type requestView struct {
	ID           string             `json:"id"`
	Kind         domain.RequestKind `json:"kind"`
	Title        string             `json:"title"`
	Author       string             `json:"author"`
	ConnectionID string             `json:"connection_id"`
	Statement    string             `json:"statement,omitempty"`
	Namespace    string             `json:"namespace,omitempty"`
	Pod          string             `json:"pod,omitempty"`
	Container    string             `json:"container,omitempty"`
	Command      string             `json:"command,omitempty"`
	CreatedAt    time.Time          `json:"created_at"`
}

type eventView struct {
	ID        string           `json:"id"`
	Type      domain.EventType `json:"type"`
	Author    string           `json:"author"`
	CreatedAt time.Time        `json:"created_at"`
	Payload   domain.Payload   `json:"payload"`
}

type detailsView struct {
	Request requestView   `json:"request"`
	Status  status.Result `json:"status"`
	Events  []eventView   `json:"events"`
}

func viewRequest(r domain.Request) requestView {
	b := r.Base()
	v := requestView{ID: b.ID, Kind: b.Kind, Title: b.Title, Author: b.Author.ID, CreatedAt: b.CreatedAt}
	if c := r.Conn(); c != nil {
		v.ConnectionID = c.ConnectionID()
	}
	switch x := r.(type) {
	case *domain.DatasourceRequest:
		v.Statement = x.Statement
	case *domain.KubernetesRequest:
		v.Namespace, v.Pod, v.Container, v.Command = x.Namespace, x.PodName, x.ContainerName, x.Command
	default:
		panic(fmt.Sprintf("gatecmd: unknown request variant %T", r))
	}
	return v
}

func viewEvent(e domain.Event) eventView {
	return eventView{ID: e.ID, Type: e.Type(), Author: e.Author.ID, CreatedAt: e.CreatedAt, Payload: e.Payload}
}

func viewDetails(d *requests.Details) detailsView {
	out := detailsView{Request: viewRequest(d.Request), Status: d.Status, Events: make([]eventView, 0, len(d.Events))}
	for _, e := range d.Events {
		out.Events = append(out.Events, viewEvent(e))
	}
	return out
}
