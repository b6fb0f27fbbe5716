package account

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/golang/glog"
)

const getUserSQL = "SELECT id,name,email,profile_pic,bio FROM users WHERE id=?"

// MySQLDirectory reads profiles from the `users` table.
type MySQLDirectory struct {
	db *sql.DB
}

func NewMySQLDirectory(db *sql.DB) *MySQLDirectory {
	return &MySQLDirectory{db: db}
}

func (d *MySQLDirectory) FindByID(ctx context.Context, id string) (*Profile, error) {
	var p Profile
	row := d.db.QueryRowContext(ctx, getUserSQL, id)
	if err := row.Scan(&p.ID, &p.Name, &p.Email, &p.ProfilePic, &p.Bio); err != nil {
		if err == sql.ErrNoRows {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		glog.Errorf("get user scan err, id: %s, err: %v", id, err)
		return nil, err
	}
	return &p, nil
}
