/*
Copyright 2024 Blnk Finance Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

	http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/giftpipe/giftpipe/internal/apierror"
	"github.com/giftpipe/giftpipe/model"
)

// GetUserProfile reads the contact details of an account. Profiles are owned
// by the account service; the pipeline never writes them.
func (d Datasource) GetUserProfile(ctx context.Context, userID string) (*model.UserProfile, error) {
	p := &model.UserProfile{}
	var displayName sql.NullString
	err := d.Conn.QueryRowContext(ctx, `
		SELECT user_id, email, display_name FROM giftpipe.profiles WHERE user_id = $1
	`, userID).Scan(&p.UserID, &p.Email, &displayName)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apierror.NewAPIError(apierror.ErrNotFound, fmt.Sprintf("Profile for user '%s' not found", userID), err)
		}
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to retrieve user profile", err)
	}
	p.DisplayName = displayName.String
	return p, nil
}
