package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"permitline/internal/app"
	"permitline/internal/domain"
	"permitline/internal/repo"
)

func assetCmd() *cobra.Command {
	a := &cobra.Command{
		Use:   "asset",
		Short: "Asset details and their approvers",
	}
	a.AddCommand(assetListCmd())
	a.AddCommand(assetSetCmd())
	return a
}

func assetListCmd() *cobra.Command {
	var category, title string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List asset details",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withWorkspace(cmd.Context(), func(ctx context.Context, ws *app.Workspace) error {
				items, err := ws.Engine.Repo.ListAssets(ctx, repo.Eq("category", category), repo.Prefix("title", title))
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := newTable()
				tw.AppendHeader(table.Row{"ID", "Category", "Title", "Asset Director", "Asset Manager", "HSE Director"})
				for _, it := range items {
					tw.AppendRow(table.Row{it.ID, it.Category, it.Title, it.AssetDirector, it.AssetManager, it.HSEDirector})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&category, "category", "", "asset category")
	cmd.Flags().StringVar(&title, "title", "", "title prefix")
	return cmd
}

func assetSetCmd() *cobra.Command {
	var a domain.AssetDetails
	var partners string
	cmd := &cobra.Command{
		Use:   "set <id>",
		Short: "Create or replace asset details",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a.ID = args[0]
			for _, p := range strings.Split(partners, ",") {
				if p = strings.TrimSpace(p); p != "" {
					a.HSEPartners = append(a.HSEPartners, p)
				}
			}
			if a.AssetDirector == "" || a.AssetManager == "" || a.HSEDirector == "" {
				return fmt.Errorf("--asset-director, --asset-manager and --hse-director are required")
			}
			return withWorkspace(cmd.Context(), func(ctx context.Context, ws *app.Workspace) error {
				r := ws.Engine.Repo
				tx, err := r.DB.BeginTx(ctx, nil)
				if err != nil {
					return err
				}
				defer tx.Rollback()
				if err := r.UpsertAsset(ctx, tx, a); err != nil {
					return err
				}
				if err := tx.Commit(); err != nil {
					return err
				}
				fmt.Println("saved asset", a.ID)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&a.Category, "category", "", "asset category")
	cmd.Flags().StringVar(&a.Title, "title", "", "asset title")
	cmd.Flags().StringVar(&a.AssetDirector, "asset-director", "", "asset director email")
	cmd.Flags().StringVar(&a.AssetDirectorReplacer, "asset-director-replacer", "", "asset director delegate email")
	cmd.Flags().StringVar(&a.AssetManager, "asset-manager", "", "asset manager email")
	cmd.Flags().StringVar(&a.HSEDirector, "hse-director", "", "HSE director email")
	cmd.Flags().StringVar(&a.HSEDirectorReplacer, "hse-director-replacer", "", "HSE director delegate email")
	cmd.Flags().StringVar(&partners, "hse-partners", "", "comma separated HSE partner emails")
	return cmd
}

// groupName maps the CLI aliases onto the configured directory groups.
func groupName(ws *app.Workspace, name string) string {
	switch name {
	case "permit-originator", "po":
		return ws.Config.Groups.PermitOriginator
	case "performing-authority", "pa":
		return ws.Config.Groups.PerformingAuthority
	}
	return name
}

func groupCmd() *cobra.Command {
	g := &cobra.Command{
		Use:   "group",
		Short: "Directory group membership",
		Long:  "Groups decide who may originate forms and who may act as performing authority. Use permit-originator and performing-authority as aliases for the configured group names.",
	}
	g.AddCommand(groupMembershipCmd("add-member", "Add a user to a group", true))
	g.AddCommand(groupMembershipCmd("remove-member", "Remove a user from a group", false))
	g.AddCommand(groupMembersCmd())
	return g
}

func groupMembershipCmd(use, short string, add bool) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <group> <email>",
		Short: short,
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withWorkspace(cmd.Context(), func(ctx context.Context, ws *app.Workspace) error {
				r := ws.Engine.Repo
				group := groupName(ws, args[0])
				tx, err := r.DB.BeginTx(ctx, nil)
				if err != nil {
					return err
				}
				defer tx.Rollback()
				if add {
					err = r.AddGroupMember(ctx, tx, group, args[1])
				} else {
					err = r.RemoveGroupMember(ctx, tx, group, args[1])
				}
				if err != nil {
					return err
				}
				return tx.Commit()
			})
		},
	}
}

func groupMembersCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "members <group>",
		Short: "List group members",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withWorkspace(cmd.Context(), func(ctx context.Context, ws *app.Workspace) error {
				users, err := ws.Engine.Repo.GroupMembers(ctx, groupName(ws, args[0]))
				if err != nil {
					return err
				}
				return printUsers(users)
			})
		},
	}
}

func userCmd() *cobra.Command {
	u := &cobra.Command{
		Use:   "user",
		Short: "Directory users",
	}
	u.AddCommand(userAddCmd())
	u.AddCommand(userSearchCmd())
	return u
}

func userAddCmd() *cobra.Command {
	var name string
	cmd := &cobra.Command{
		Use:   "add <email>",
		Short: "Create or rename a directory user",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			email := strings.TrimSpace(args[0])
			return withWorkspace(cmd.Context(), func(ctx context.Context, ws *app.Workspace) error {
				r := ws.Engine.Repo
				tx, err := r.DB.BeginTx(ctx, nil)
				if err != nil {
					return err
				}
				defer tx.Rollback()
				u := domain.User{ID: uuid.NewString(), Email: email, DisplayName: name}
				if existing, err := r.GetUserByEmail(ctx, tx, email); err == nil {
					u.ID = existing.ID
				}
				if u.DisplayName == "" {
					u.DisplayName = email
				}
				if err := r.UpsertUser(ctx, tx, u); err != nil {
					return err
				}
				return tx.Commit()
			})
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "display name")
	return cmd
}

func userSearchCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "search <term>",
		Short: "Search users by email or display name prefix",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withWorkspace(cmd.Context(), func(ctx context.Context, ws *app.Workspace) error {
				users, err := ws.Engine.Repo.SearchUsers(ctx, args[0], limit)
				if err != nil {
					return err
				}
				return printUsers(users)
			})
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 20, "max results")
	return cmd
}

func printUsers(users []domain.User) error {
	if viper.GetBool("json") {
		return printJSON(users)
	}
	tw := newTable()
	tw.AppendHeader(table.Row{"Email", "Name"})
	for _, u := range users {
		tw.AppendRow(table.Row{u.Email, u.DisplayName})
	}
	tw.Render()
	return nil
}

func apiKeyCmd() *cobra.Command {
	k := &cobra.Command{
		Use:   "apikey",
		Short: "API keys for the HTTP server",
	}
	k.AddCommand(apiKeyCreateCmd())
	k.AddCommand(apiKeyListCmd())
	k.AddCommand(apiKeyRevokeCmd())
	return k
}

func apiKeyCreateCmd() *cobra.Command {
	var user, name string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create an API key (shown once)",
		RunE: func(cmd *cobra.Command, args []string) error {
			if strings.TrimSpace(user) == "" {
				return fmt.Errorf("--user is required")
			}
			buf := make([]byte, 24)
			if _, err := rand.Read(buf); err != nil {
				return err
			}
			secret := "ptw_" + hex.EncodeToString(buf)
			key := domain.APIKey{ID: uuid.NewString(), UserEmail: strings.TrimSpace(user), Name: name, KeyHash: repo.HashAPIKey(secret)}
			return withWorkspace(cmd.Context(), func(ctx context.Context, ws *app.Workspace) error {
				r := ws.Engine.Repo
				tx, err := r.DB.BeginTx(ctx, nil)
				if err != nil {
					return err
				}
				defer tx.Rollback()
				if err := r.InsertAPIKey(ctx, tx, key); err != nil {
					return err
				}
				if err := tx.Commit(); err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]string{"id": key.ID, "user_email": key.UserEmail, "key": secret})
				}
				fmt.Println("id: ", key.ID)
				fmt.Println("key:", secret)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&user, "user", "", "directory user email")
	cmd.Flags().StringVar(&name, "name", "", "label")
	return cmd
}

func apiKeyListCmd() *cobra.Command {
	var user string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List API keys",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withWorkspace(cmd.Context(), func(ctx context.Context, ws *app.Workspace) error {
				keys, err := ws.Engine.Repo.ListAPIKeys(ctx, user)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(keys)
				}
				tw := newTable()
				tw.AppendHeader(table.Row{"ID", "User", "Name", "Created"})
				for _, k := range keys {
					tw.AppendRow(table.Row{k.ID, k.UserEmail, k.Name, k.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&user, "user", "", "filter by user email")
	return cmd
}

func apiKeyRevokeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "revoke <id>",
		Short: "Delete an API key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withWorkspace(cmd.Context(), func(ctx context.Context, ws *app.Workspace) error {
				return ws.Engine.Repo.DeleteAPIKey(ctx, args[0])
			})
		},
	}
}
