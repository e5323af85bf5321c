// Package migration はembedされたSQLファイルによるスキーマの段階的な適用を行う。
// 適用済みバージョンをschema_migrationsテーブルで追跡し、同じマイグレーションを
// 二度実行しない。ファイル名は 000001_説明.up.sql の形式とする。
package migration

import (
	"database/sql"
	"fmt"
	"io/fs"
	"log"
	"path"
	"slices"
	"strconv"
	"strings"
)

// Run はdir以下のup.sqlファイルをバージョン昇順に適用する。
// 各マイグレーションは本体SQLとバージョン記録を同一トランザクションで実行する。
func Run(db *sql.DB, fsys fs.FS, dir string) error {
	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			applied_at DATETIME NOT NULL DEFAULT (datetime('now'))
		)
	`); err != nil {
		return fmt.Errorf("バージョン管理テーブルの作成に失敗: %w", err)
	}

	applied, err := appliedVersions(db)
	if err != nil {
		return fmt.Errorf("適用済みバージョンの取得に失敗: %w", err)
	}

	files, err := fs.Glob(fsys, path.Join(dir, "*.up.sql"))
	if err != nil {
		return fmt.Errorf("マイグレーションファイルの列挙に失敗: %w", err)
	}
	slices.Sort(files)

	for _, file := range files {
		version, name, ok := parseFileName(path.Base(file))
		if !ok {
			continue
		}
		if applied[version] {
			continue
		}

		if err := applyOne(db, fsys, file, version); err != nil {
			return fmt.Errorf("マイグレーション %s の適用に失敗: %w", path.Base(file), err)
		}
		log.Printf("[Migration] %06d_%s を適用しました", version, name)
	}
	return nil
}

// appliedVersions は記録済みのバージョン集合を返す。
func appliedVersions(db *sql.DB) (map[int]bool, error) {
	rows, err := db.Query("SELECT version FROM schema_migrations")
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	applied := make(map[int]bool)
	for rows.Next() {
		var v int
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		applied[v] = true
	}
	return applied, rows.Err()
}

// parseFileName はファイル名からバージョン番号と説明部分を取り出す。
func parseFileName(base string) (version int, name string, ok bool) {
	prefix, rest, found := strings.Cut(base, "_")
	if !found {
		return 0, "", false
	}
	version, err := strconv.Atoi(prefix)
	if err != nil {
		return 0, "", false
	}
	return version, strings.TrimSuffix(rest, ".up.sql"), true
}

// applyOne は1ファイル分のSQLをトランザクション内で実行し、バージョンを記録する。
func applyOne(db *sql.DB, fsys fs.FS, file string, version int) error {
	content, err := fs.ReadFile(fsys, file)
	if err != nil {
		return fmt.Errorf("ファイルの読み込みに失敗: %w", err)
	}

	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("トランザクションの開始に失敗: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	if _, err := tx.Exec(string(content)); err != nil {
		return fmt.Errorf("SQLの実行に失敗: %w", err)
	}
	if _, err := tx.Exec("INSERT INTO schema_migrations (version) VALUES (?)", version); err != nil {
		return fmt.Errorf("バージョンの記録に失敗: %w", err)
	}
	return tx.Commit()
}
