package db

import (
	"fmt"

	"cosmicnotes/internal/auth"
	"cosmicnotes/internal/cluster"
	"cosmicnotes/internal/jobs"
	"cosmicnotes/internal/note"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

func Connect(dsn string) (*gorm.DB, error) {
	gdb, err := gorm.Open(postgres.Open(dsn), &gorm.Config{})
	if err != nil {
		return nil, err
	}
	return gdb, nil
}

func AutoMigrateAndIndexes(gdb *gorm.DB) error {
	// Tables. The composite unique indexes on tags(note_id, name) and
	// clusters(user_id, tag_name, category) come from the struct tags.
	if err := gdb.AutoMigrate(
		&note.Note{},
		&note.Tag{},
		&note.TodoItem{},
		&cluster.Cluster{},
		&jobs.Job{},
		&auth.User{},
	); err != nil {
		return err
	}

	// Cascade: tag rows must never outlive their note.
	if err := gdb.Exec(`
do $$ begin
  if not exists (select 1 from pg_constraint where conname = 'fk_tags_note') then
    alter table tags
      add constraint fk_tags_note
      foreign key (note_id) references notes(id) on delete cascade;
  end if;
end $$;
`).Error; err != nil {
		return err
	}

	// Full-text search on note content
	if err := gdb.Exec(`create index if not exists idx_notes_fts on notes using gin (to_tsvector('simple', content));`).Error; err != nil {
		return err
	}

	// Helpful indexes
	stmts := []string{
		`create index if not exists idx_notes_user_category on notes(user_id, category);`,
		`create index if not exists idx_notes_user_updated on notes(user_id, updated_at desc);`,
		`create index if not exists idx_tags_user_name on tags(user_id, name);`,
		`create index if not exists idx_clusters_user_updated on clusters(user_id, updated_at desc);`,
		`create index if not exists idx_todo_items_user_tag on todo_items(user_id, tag_name);`,
		`create index if not exists idx_jobs_due on jobs(status, run_at);`,
		`create index if not exists idx_jobs_lock on jobs(status, locked_at);`,
	}
	for _, s := range stmts {
		if err := gdb.Exec(s).Error; err != nil {
			return fmt.Errorf("index exec failed: %w (sql=%s)", err, s)
		}
	}

	return nil
}
