package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"permitline/internal/app"
	"permitline/internal/domain"
	"permitline/internal/engine"
	"permitline/internal/repo"
)

// formFile is the YAML or JSON document read by save, submit and resubmit.
type formFile struct {
	Form                  domain.Form         `json:"form"`
	Tasks                 []domain.JobTask    `json:"tasks"`
	Checks                *domain.IssuerChecks `json:"checks"`
	AssetDirectorDelegate bool                `json:"asset_director_delegate"`
	HSEDirectorDelegate   bool                `json:"hse_director_delegate"`
}

// readFormFile decodes YAML (JSON is a subset) and maps keys through the JSON tags.
func readFormFile(path string) (formFile, error) {
	var out formFile
	data, err := os.ReadFile(path)
	if err != nil {
		return out, err
	}
	var doc any
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return out, fmt.Errorf("parse %s: %w", path, err)
	}
	raw, err := json.Marshal(doc)
	if err != nil {
		return out, fmt.Errorf("parse %s: %w", path, err)
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return out, fmt.Errorf("parse %s: %w", path, err)
	}
	return out, nil
}

func formCmd() *cobra.Command {
	f := &cobra.Command{
		Use:   "form",
		Short: "Permit forms and their approval workflow",
	}
	f.AddCommand(formListCmd())
	f.AddCommand(formShowCmd())
	f.AddCommand(formSaveCmd())
	f.AddCommand(formSubmitCmd())
	f.AddCommand(formDecideCmd())
	f.AddCommand(formIssueCmd())
	f.AddCommand(formRiskCmd())
	f.AddCommand(formCloseCmd())
	f.AddCommand(formCancelCmd())
	f.AddCommand(formResubmitCmd())
	f.AddCommand(formRenewCmd())
	f.AddCommand(formApproveRenewalCmd())
	f.AddCommand(formExtendCmd())
	f.AddCommand(formHistoryCmd())
	f.AddCommand(formActionsCmd())
	return f
}

func formListCmd() *cobra.Command {
	var status, stage, originator, reference string
	var mine bool
	var limit, offset int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List forms",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withWorkspace(cmd.Context(), func(ctx context.Context, ws *app.Workspace) error {
				filter := repo.FormFilter{
					Match: []repo.Match{
						repo.Eq("status", status),
						repo.Eq("stage", stage),
						repo.Eq("originator", originator),
						repo.Prefix("reference_number", reference),
					},
					Limit:  limit,
					Offset: offset,
				}
				if mine {
					a, err := actor()
					if err != nil {
						return err
					}
					filter.Participant = a
				}
				forms, err := ws.Engine.List(ctx, filter)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(forms)
				}
				tw := newTable()
				tw.AppendHeader(table.Row{"ID", "Reference", "Status", "Project", "Originator", "Date"})
				for _, f := range forms {
					tw.AppendRow(table.Row{f.ID, f.ReferenceNumber, f.Status, f.ProjectTitle, f.OriginatorEmail, f.Schedule.Date})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "Saved or Submitted")
	cmd.Flags().StringVar(&stage, "stage", "", "workflow stage")
	cmd.Flags().StringVar(&originator, "originator", "", "originator email")
	cmd.Flags().StringVar(&reference, "reference", "", "reference number prefix")
	cmd.Flags().BoolVar(&mine, "mine", false, "only forms the actor takes part in")
	cmd.Flags().IntVar(&limit, "limit", 50, "max results")
	cmd.Flags().IntVar(&offset, "offset", 0, "skip results")
	return cmd
}

func formShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <form-id>",
		Short: "Show a form with its workflow and permit rows",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withWorkspace(cmd.Context(), func(ctx context.Context, ws *app.Workspace) error {
				snap, err := ws.Engine.Get(ctx, args[0])
				if err != nil {
					return err
				}
				return printSnapshot(snap)
			})
		},
	}
}

func formInputFrom(path, id string, ifMatch int64) (engine.FormInput, error) {
	doc, err := readFormFile(path)
	if err != nil {
		return engine.FormInput{}, err
	}
	if doc.Checks != nil {
		doc.Form.Checks = *doc.Checks
	}
	doc.Form.ID = id
	return engine.FormInput{
		Form:                  doc.Form,
		Tasks:                 doc.Tasks,
		AssetDirectorDelegate: doc.AssetDirectorDelegate,
		HSEDirectorDelegate:   doc.HSEDirectorDelegate,
		ExpectedVersion:       ifMatch,
	}, nil
}

func formSaveCmd() *cobra.Command {
	var file, id string
	var ifMatch int64
	cmd := &cobra.Command{
		Use:   "save",
		Short: "Save a draft without validation",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := actor()
			if err != nil {
				return err
			}
			in, err := formInputFrom(file, id, ifMatch)
			if err != nil {
				return err
			}
			return withWorkspace(cmd.Context(), func(ctx context.Context, ws *app.Workspace) error {
				snap, err := ws.Engine.Save(ctx, a, in)
				if err != nil {
					return err
				}
				return printSnapshot(snap)
			})
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "", "form document (YAML or JSON)")
	cmd.Flags().StringVar(&id, "id", "", "existing draft id")
	cmd.Flags().Int64Var(&ifMatch, "if-match", 0, "expected version")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

func formSubmitCmd() *cobra.Command {
	var file, id string
	var ifMatch int64
	cmd := &cobra.Command{
		Use:   "submit",
		Short: "Validate and submit a form",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := actor()
			if err != nil {
				return err
			}
			in, err := formInputFrom(file, id, ifMatch)
			if err != nil {
				return err
			}
			return withWorkspace(cmd.Context(), func(ctx context.Context, ws *app.Workspace) error {
				snap, err := ws.Engine.Submit(ctx, a, in)
				if err != nil {
					return explain(err)
				}
				return printSnapshot(snap)
			})
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "", "form document (YAML or JSON)")
	cmd.Flags().StringVar(&id, "id", "", "existing draft id")
	cmd.Flags().Int64Var(&ifMatch, "if-match", 0, "expected version")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

func formDecideCmd() *cobra.Command {
	var decision, reason, issuer string
	var ifMatch int64
	cmd := &cobra.Command{
		Use:   "decide <form-id>",
		Short: "Approve, reject or return at the current stage",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := actor()
			if err != nil {
				return err
			}
			return withWorkspace(cmd.Context(), func(ctx context.Context, ws *app.Workspace) error {
				snap, err := ws.Engine.Decide(ctx, engine.DecideInput{
					FormID:          args[0],
					Actor:           a,
					Decision:        domain.Decision(decision),
					Reason:          reason,
					IssuerEmail:     issuer,
					ExpectedVersion: ifMatch,
				})
				if err != nil {
					return explain(err)
				}
				return printSnapshot(snap)
			})
		},
	}
	cmd.Flags().StringVar(&decision, "decision", "", "Approved, Rejected or Returned")
	cmd.Flags().StringVar(&reason, "reason", "", "reason (required when rejecting)")
	cmd.Flags().StringVar(&issuer, "issuer", "", "permit issuer picked by the performing authority")
	cmd.Flags().Int64Var(&ifMatch, "if-match", 0, "expected version")
	_ = cmd.MarkFlagRequired("decision")
	return cmd
}

func formIssueCmd() *cobra.Command {
	var file, risk, riskRef string
	var detailed bool
	var ifMatch int64
	cmd := &cobra.Command{
		Use:   "issue <form-id>",
		Short: "Complete the issuer section and approve",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := actor()
			if err != nil {
				return err
			}
			in := engine.IssueInput{
				FormID:                args[0],
				Actor:                 a,
				OverallRisk:           domain.RiskLevel(risk),
				DetailedRisk:          detailed,
				DetailedRiskReference: riskRef,
				ExpectedVersion:       ifMatch,
			}
			if file != "" {
				doc, err := readFormFile(file)
				if err != nil {
					return err
				}
				in.Tasks = doc.Tasks
				if doc.Checks != nil {
					in.Checks = *doc.Checks
				}
			}
			return withWorkspace(cmd.Context(), func(ctx context.Context, ws *app.Workspace) error {
				snap, err := ws.Engine.Issue(ctx, in)
				if err != nil {
					return explain(err)
				}
				return printSnapshot(snap)
			})
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "", "tasks and checks document (YAML or JSON)")
	cmd.Flags().StringVar(&risk, "risk", "", "overall risk: Low, Medium or High")
	cmd.Flags().BoolVar(&detailed, "detailed-risk", false, "a detailed risk assessment exists")
	cmd.Flags().StringVar(&riskRef, "detailed-risk-reference", "", "detailed risk assessment reference")
	cmd.Flags().Int64Var(&ifMatch, "if-match", 0, "expected version")
	return cmd
}

func formRiskCmd() *cobra.Command {
	var file, risk string
	var ifMatch int64
	cmd := &cobra.Command{
		Use:   "risk-assessment <form-id>",
		Short: "Edit task risk levels and safeguards",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := actor()
			if err != nil {
				return err
			}
			doc, err := readFormFile(file)
			if err != nil {
				return err
			}
			return withWorkspace(cmd.Context(), func(ctx context.Context, ws *app.Workspace) error {
				snap, err := ws.Engine.UpdateRiskAssessment(ctx, engine.RiskAssessmentInput{
					FormID:          args[0],
					Actor:           a,
					Tasks:           doc.Tasks,
					OverallRisk:     domain.RiskLevel(risk),
					ExpectedVersion: ifMatch,
				})
				if err != nil {
					return explain(err)
				}
				return printSnapshot(snap)
			})
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "", "tasks document (YAML or JSON)")
	cmd.Flags().StringVar(&risk, "risk", "", "overall risk: Low, Medium or High")
	cmd.Flags().Int64Var(&ifMatch, "if-match", 0, "expected version")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

func formCloseCmd() *cobra.Command {
	var decision, reason string
	var ifMatch int64
	cmd := &cobra.Command{
		Use:   "close <form-id>",
		Short: "Request, withdraw or confirm closure",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := actor()
			if err != nil {
				return err
			}
			return withWorkspace(cmd.Context(), func(ctx context.Context, ws *app.Workspace) error {
				snap, err := ws.Engine.Close(ctx, engine.CloseInput{
					FormID:          args[0],
					Actor:           a,
					Decision:        domain.Decision(decision),
					Reason:          reason,
					ExpectedVersion: ifMatch,
				})
				if err != nil {
					return explain(err)
				}
				return printSnapshot(snap)
			})
		},
	}
	cmd.Flags().StringVar(&decision, "decision", string(domain.DecisionApproved), "Approved or Rejected")
	cmd.Flags().StringVar(&reason, "reason", "", "reason")
	cmd.Flags().Int64Var(&ifMatch, "if-match", 0, "expected version")
	return cmd
}

func formCancelCmd() *cobra.Command {
	var reason string
	var ifMatch int64
	cmd := &cobra.Command{
		Use:   "cancel <form-id>",
		Short: "Cancel a form before issuance",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := actor()
			if err != nil {
				return err
			}
			return withWorkspace(cmd.Context(), func(ctx context.Context, ws *app.Workspace) error {
				snap, err := ws.Engine.Cancel(ctx, engine.CancelInput{FormID: args[0], Actor: a, Reason: reason, ExpectedVersion: ifMatch})
				if err != nil {
					return explain(err)
				}
				return printSnapshot(snap)
			})
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "reason")
	cmd.Flags().Int64Var(&ifMatch, "if-match", 0, "expected version")
	return cmd
}

func formResubmitCmd() *cobra.Command {
	var file string
	var ifMatch int64
	cmd := &cobra.Command{
		Use:   "resubmit <form-id>",
		Short: "Resubmit a rejected form",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := actor()
			if err != nil {
				return err
			}
			doc, err := readFormFile(file)
			if err != nil {
				return err
			}
			in := engine.ResubmitInput{
				FormID:                args[0],
				Actor:                 a,
				Form:                  &doc.Form,
				Tasks:                 doc.Tasks,
				AssetDirectorDelegate: doc.AssetDirectorDelegate,
				HSEDirectorDelegate:   doc.HSEDirectorDelegate,
				ExpectedVersion:       ifMatch,
			}
			return withWorkspace(cmd.Context(), func(ctx context.Context, ws *app.Workspace) error {
				snap, err := ws.Engine.Resubmit(ctx, in)
				if err != nil {
					return explain(err)
				}
				return printSnapshot(snap)
			})
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "", "corrected form document with fresh approver picks (YAML or JSON)")
	cmd.Flags().Int64Var(&ifMatch, "if-match", 0, "expected version")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

func scheduleFlags(cmd *cobra.Command, row *domain.ScheduleRequest) {
	cmd.Flags().StringVar(&row.Date, "date", "", "permit date (YYYY-MM-DD)")
	cmd.Flags().StringVar(&row.StartTime, "start", "", "start time (HH:MM)")
	cmd.Flags().StringVar(&row.EndTime, "end", "", "end time (HH:MM)")
	cmd.Flags().StringVar(&row.IssuerEmail, "issuer", "", "permit issuer email")
}

func formRenewCmd() *cobra.Command {
	var row domain.ScheduleRequest
	cmd := &cobra.Command{
		Use:   "renew <form-id>",
		Short: "Request a renewal row",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := actor()
			if err != nil {
				return err
			}
			return withWorkspace(cmd.Context(), func(ctx context.Context, ws *app.Workspace) error {
				snap, err := ws.Engine.AddRenewal(ctx, engine.RenewalInput{FormID: args[0], Actor: a, Row: row})
				if err != nil {
					return explain(err)
				}
				return printSnapshot(snap)
			})
		},
	}
	scheduleFlags(cmd, &row)
	return cmd
}

func formApproveRenewalCmd() *cobra.Command {
	var decision string
	cmd := &cobra.Command{
		Use:   "approve-renewal <form-id> <row-id>",
		Short: "Issuer decision on a renewal row",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := actor()
			if err != nil {
				return err
			}
			return withWorkspace(cmd.Context(), func(ctx context.Context, ws *app.Workspace) error {
				snap, err := ws.Engine.ApproveRenewal(ctx, engine.RenewalDecisionInput{
					FormID:   args[0],
					RowID:    args[1],
					Actor:    a,
					Decision: domain.Decision(decision),
				})
				if err != nil {
					return explain(err)
				}
				return printSnapshot(snap)
			})
		},
	}
	cmd.Flags().StringVar(&decision, "decision", string(domain.DecisionApproved), "Approved or Rejected")
	return cmd
}

func formExtendCmd() *cobra.Command {
	var row domain.ScheduleRequest
	var adDelegate, hseDelegate bool
	cmd := &cobra.Command{
		Use:   "extend <form-id>",
		Short: "Raise a follow-up form once renewals are used up",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := actor()
			if err != nil {
				return err
			}
			return withWorkspace(cmd.Context(), func(ctx context.Context, ws *app.Workspace) error {
				snap, err := ws.Engine.Extend(ctx, engine.ExtendInput{
					FormID:                args[0],
					Actor:                 a,
					Row:                   row,
					AssetDirectorDelegate: adDelegate,
					HSEDirectorDelegate:   hseDelegate,
				})
				if err != nil {
					return explain(err)
				}
				return printSnapshot(snap)
			})
		},
	}
	scheduleFlags(cmd, &row)
	cmd.Flags().BoolVar(&adDelegate, "asset-director-delegate", false, "route asset director approval to the replacer")
	cmd.Flags().BoolVar(&hseDelegate, "hse-director-delegate", false, "route HSE director approval to the replacer")
	return cmd
}

func formHistoryCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "history <form-id>",
		Short: "Approval history, oldest first",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withWorkspace(cmd.Context(), func(ctx context.Context, ws *app.Workspace) error {
				items, err := ws.Engine.History(ctx, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := newTable()
				tw.AppendHeader(table.Row{"When", "Role", "Actor", "Decision", "From", "To", "Reason"})
				for _, h := range items {
					tw.AppendRow(table.Row{h.CreatedAt, h.Role.Short(), h.ActorEmail, h.Decision, h.FromStage, h.ToStage, h.Reason})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func formActionsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "actions <form-id>",
		Short: "Roles and commands available to the actor",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := actor()
			if err != nil {
				return err
			}
			return withWorkspace(cmd.Context(), func(ctx context.Context, ws *app.Workspace) error {
				acts, err := ws.Engine.Actions(ctx, args[0], a)
				if err != nil {
					return err
				}
				return printJSON(acts)
			})
		},
	}
}

// explain expands validation failures into one line per message.
func explain(err error) error {
	var ve *domain.ValidationError
	if errors.As(err, &ve) && !viper.GetBool("json") {
		tw := newTable()
		tw.AppendHeader(table.Row{"Missing or invalid"})
		for _, m := range ve.Messages {
			tw.AppendRow(table.Row{m})
		}
		tw.Render()
	}
	var ce *domain.CapacityError
	if errors.As(err, &ce) && ce.ExtendAvailable {
		return fmt.Errorf("%w; use 'ptw form extend' to raise a follow-up form", err)
	}
	return err
}
