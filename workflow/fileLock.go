package workflow

import (
	"fmt"

	"gorm.io/gorm"
)

// AcquireFileLock serializes execution per file across instances using MySQL
// advisory locks.
// NOTE: GET_LOCK and RELEASE_LOCK are connection-scoped, so both must run on
// a *gorm.DB pinned to one connection (db.Connection or an open transaction),
// never on the shared pool where each statement may use a different conn.
func AcquireFileLock(tx *gorm.DB, fileId int) error {
	lockName := fmt.Sprintf("masspay:file:%d", fileId)
	var ok int
	if err := tx.Raw("SELECT GET_LOCK(?, 30)", lockName).Scan(&ok).Error; err != nil {
		return err
	}
	if ok != 1 {
		return fmt.Errorf("could not acquire lock for file_id=%d", fileId)
	}
	return nil
}

func ReleaseFileLock(tx *gorm.DB, fileId int) {
	lockName := fmt.Sprintf("masspay:file:%d", fileId)
	var _ok int
	_ = tx.Raw("SELECT RELEASE_LOCK(?)", lockName).Scan(&_ok).Error
}
