package utils

import (
	"context"
	"errors"

	"bitbucket.org/volopa/masspay_backend/config"
	"gorm.io/gorm"
)

/* DB fetching */

// fetch model from db
// (may return RecordNotFound)
func FetchSingleModel[T any](ctx context.Context, id int, associations ...string) (*T, error) {

	db := config.GetDB()
	dbCtx := db.WithContext(ctx)
	// preloading
	for _, field := range associations {
		dbCtx.Preload(field)
	}
	var result T
	err := dbCtx.First(&result, id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrorRecordNotFound
	}
	if err != nil {
		return nil, err
	}
	return &result, nil
}

// fetch model from db
// (caller's client_id is used in query's WHERE, may return RecordNotFound)
func FetchModel[T any](ctx context.Context, clientId string, id int, associations ...string) (*T, error) {

	db := config.GetDB()
	dbCtx := db.WithContext(ctx).Where("client_id = ?", clientId)
	// preloading
	for _, field := range associations {
		dbCtx.Preload(field)
	}
	var result T
	err := dbCtx.First(&result, id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrorRecordNotFound
	}
	if err != nil {
		return nil, err
	}
	return &result, nil
}

// fetch all models from db
// (caller's client_id is used in query's WHERE)
func FetchAllModels[T any](ctx context.Context, clientId string, associations ...string) ([]*T, error) {

	db := config.GetDB()
	dbCtx := db.WithContext(ctx).Where("client_id = ?", clientId)
	// preloading
	for _, field := range associations {
		dbCtx.Preload(field)
	}
	var results []*T
	err := dbCtx.Find(&results).Error
	if err != nil {
		return nil, err
	}
	return results, nil
}
