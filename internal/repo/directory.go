package repo

import (
	"context"
	"database/sql"
	"strings"

	"github.com/pkg/errors"

	"permitline/internal/domain"
)

func (r Repo) UpsertUser(ctx context.Context, tx *sql.Tx, u domain.User) error {
	_, err := r.q(tx).ExecContext(ctx, `INSERT INTO users(id, email, display_name) VALUES (?,?,?)
ON CONFLICT(email) DO UPDATE SET display_name=excluded.display_name`, u.ID, strings.TrimSpace(u.Email), u.DisplayName)
	return errors.Wrapf(err, "upsert user %s", u.Email)
}

func (r Repo) GetUserByEmail(ctx context.Context, tx *sql.Tx, email string) (domain.User, error) {
	var u domain.User
	err := r.q(tx).QueryRowContext(ctx, `SELECT id, email, display_name FROM users WHERE email=?`, strings.TrimSpace(email)).
		Scan(&u.ID, &u.Email, &u.DisplayName)
	if err == sql.ErrNoRows {
		return u, ErrNotFound
	}
	return u, errors.Wrapf(err, "get user %s", email)
}

// SearchUsers matches a case-insensitive prefix of the display name or email.
func (r Repo) SearchUsers(ctx context.Context, term string, limit int) ([]domain.User, error) {
	if limit <= 0 {
		limit = 20
	}
	pattern := escapeLike(strings.ToLower(strings.TrimSpace(term))) + "%"
	rows, err := r.DB.QueryContext(ctx, `SELECT id, email, display_name FROM users
WHERE lower(email) LIKE ? ESCAPE '\' OR lower(display_name) LIKE ? ESCAPE '\'
ORDER BY display_name ASC, email ASC LIMIT ?`, pattern, pattern, limit)
	if err != nil {
		return nil, errors.Wrap(err, "search users")
	}
	defer rows.Close()
	return scanUsers(rows)
}

func scanUsers(rows *sql.Rows) ([]domain.User, error) {
	var res []domain.User
	for rows.Next() {
		var u domain.User
		if err := rows.Scan(&u.ID, &u.Email, &u.DisplayName); err != nil {
			return nil, errors.Wrap(err, "scan user")
		}
		res = append(res, u)
	}
	return res, errors.Wrap(rows.Err(), "scan users")
}

func (r Repo) AddGroupMember(ctx context.Context, tx *sql.Tx, group, email string) error {
	_, err := r.q(tx).ExecContext(ctx, `INSERT OR IGNORE INTO group_members(group_name, email) VALUES (?,?)`, group, strings.TrimSpace(email))
	return errors.Wrapf(err, "add %s to %s", email, group)
}

func (r Repo) RemoveGroupMember(ctx context.Context, tx *sql.Tx, group, email string) error {
	_, err := r.q(tx).ExecContext(ctx, `DELETE FROM group_members WHERE group_name=? AND email=?`, group, strings.TrimSpace(email))
	return errors.Wrapf(err, "remove %s from %s", email, group)
}

// GroupMembers returns members with their directory entry when one exists.
func (r Repo) GroupMembers(ctx context.Context, group string) ([]domain.User, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT COALESCE(u.id,''), g.email, COALESCE(u.display_name, g.email)
FROM group_members g LEFT JOIN users u ON u.email=g.email
WHERE g.group_name=? ORDER BY g.email ASC`, group)
	if err != nil {
		return nil, errors.Wrapf(err, "list members of %s", group)
	}
	defer rows.Close()
	return scanUsers(rows)
}

func (r Repo) IsGroupMember(ctx context.Context, group, email string) (bool, error) {
	var n int
	err := r.DB.QueryRowContext(ctx, `SELECT 1 FROM group_members WHERE group_name=? AND email=? LIMIT 1`, group, strings.TrimSpace(email)).Scan(&n)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, errors.Wrapf(err, "check %s membership", group)
	}
	return true, nil
}

func (r Repo) UpsertAsset(ctx context.Context, tx *sql.Tx, a domain.AssetDetails) error {
	_, err := r.q(tx).ExecContext(ctx, `INSERT INTO asset_details(id, category, title, asset_director, asset_director_replacer, asset_manager, hse_partners_json, hse_director, hse_director_replacer)
VALUES (?,?,?,?,?,?,?,?,?)
ON CONFLICT(id) DO UPDATE SET category=excluded.category, title=excluded.title, asset_director=excluded.asset_director,
asset_director_replacer=excluded.asset_director_replacer, asset_manager=excluded.asset_manager, hse_partners_json=excluded.hse_partners_json,
hse_director=excluded.hse_director, hse_director_replacer=excluded.hse_director_replacer`,
		a.ID, a.Category, a.Title, nullable(a.AssetDirector), nullable(a.AssetDirectorReplacer), nullable(a.AssetManager),
		marshalList(a.HSEPartners), nullable(a.HSEDirector), nullable(a.HSEDirectorReplacer))
	return errors.Wrapf(err, "upsert asset %s", a.ID)
}

const assetColumns = `id, category, title, COALESCE(asset_director,''), COALESCE(asset_director_replacer,''), COALESCE(asset_manager,''), hse_partners_json, COALESCE(hse_director,''), COALESCE(hse_director_replacer,'')`

func scanAsset(row rowScanner) (domain.AssetDetails, error) {
	var a domain.AssetDetails
	var partners sql.NullString
	err := row.Scan(&a.ID, &a.Category, &a.Title, &a.AssetDirector, &a.AssetDirectorReplacer, &a.AssetManager, &partners, &a.HSEDirector, &a.HSEDirectorReplacer)
	if err == sql.ErrNoRows {
		return a, ErrNotFound
	}
	if err != nil {
		return a, errors.Wrap(err, "scan asset")
	}
	a.HSEPartners = unmarshalList(partners)
	return a, nil
}

func (r Repo) GetAsset(ctx context.Context, tx *sql.Tx, id string) (domain.AssetDetails, error) {
	return scanAsset(r.q(tx).QueryRowContext(ctx, `SELECT `+assetColumns+` FROM asset_details WHERE id=?`, id))
}

var assetFields = map[string]string{
	"category": "category",
	"title":    "title",
}

func (r Repo) ListAssets(ctx context.Context, matches ...Match) ([]domain.AssetDetails, error) {
	where, args, err := buildWhere(assetFields, matches)
	if err != nil {
		return nil, err
	}
	rows, err := r.DB.QueryContext(ctx, `SELECT `+assetColumns+` FROM asset_details `+where+` ORDER BY category ASC, title ASC`, args...)
	if err != nil {
		return nil, errors.Wrap(err, "list assets")
	}
	defer rows.Close()
	var res []domain.AssetDetails
	for rows.Next() {
		a, err := scanAsset(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, a)
	}
	return res, errors.Wrap(rows.Err(), "list assets")
}
