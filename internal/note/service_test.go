package note

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

// dispatchAI answers title and tag prompts differently, like the real model.
func dispatchAI(tagsJSON string) *fakeAI {
	return &fakeAI{reply: func(system, prompt string) (string, error) {
		if strings.Contains(system, "title") {
			return "Generated Title", nil
		}
		return tagsJSON, nil
	}}
}

func newService(gdb *gorm.DB, aiClient *fakeAI, rb *fakeRebuilder) *Service {
	return &Service{
		DB:       gdb,
		Extract:  &Extractor{AI: aiClient},
		Clusters: rb,
		Log:      zerolog.Nop(),
	}
}

func TestSaveNote_CreatesWithTagsAndTitle(t *testing.T) {
	gdb := testDB(t)
	rb := &fakeRebuilder{}
	svc := newService(gdb, dispatchAI(`{"tags":[{"name":"Groceries","confidence":0.9}]}`), rb)

	res, err := svc.SaveNote(context.Background(), 1, SaveNoteInput{
		Content:  "buy milk",
		Category: CategoryToDo,
	})
	require.NoError(t, err)
	assert.NotZero(t, res.Note.ID)
	assert.Equal(t, "Generated Title", res.Note.Title)

	var tags []Tag
	require.NoError(t, gdb.Where("note_id=?", res.Note.ID).Find(&tags).Error)
	require.Len(t, tags, 1)
	assert.Equal(t, "Groceries", tags[0].Name)
	assert.InDelta(t, 0.9, tags[0].Confidence, 1e-9)

	require.Len(t, rb.calls, 1)
	assert.Equal(t, rebuildCall{Category: CategoryToDo, TagName: "Groceries", Force: true}, rb.calls[0])
}

func TestSaveNote_ExtractionFailureDoesNotFailSave(t *testing.T) {
	gdb := testDB(t)
	aiClient := &fakeAI{reply: func(string, string) (string, error) {
		return "", errors.New("model down")
	}}
	svc := newService(gdb, aiClient, &fakeRebuilder{})

	res, err := svc.SaveNote(context.Background(), 1, SaveNoteInput{
		Title:    "Kept",
		Content:  "buy milk",
		Category: CategoryToDo,
	})
	require.NoError(t, err, "primary mutation must succeed")
	assert.NotZero(t, res.Note.ID)

	var failed []EnrichmentOutcome
	for _, o := range res.Enrichment {
		if o.Err != nil {
			failed = append(failed, o)
		}
	}
	require.NotEmpty(t, failed, "failure must be reported, not swallowed")
	assert.Equal(t, "extract_tags", failed[0].Step)

	var count int64
	gdb.Model(&Tag{}).Where("note_id=?", res.Note.ID).Count(&count)
	assert.Zero(t, count)
}

func TestSaveNote_ReplacesPriorTags(t *testing.T) {
	gdb := testDB(t)
	rb := &fakeRebuilder{}
	aiClient := dispatchAI(`{"tags":[{"name":"Old","confidence":0.9}]}`)
	svc := newService(gdb, aiClient, rb)

	res, err := svc.SaveNote(context.Background(), 1, SaveNoteInput{
		Title: "t", Content: "first", Category: CategoryToDo,
	})
	require.NoError(t, err)

	aiClient.reply = func(system, prompt string) (string, error) {
		return `{"tags":[{"name":"New","confidence":0.9}]}`, nil
	}
	_, err = svc.SaveNote(context.Background(), 1, SaveNoteInput{
		ID: res.Note.ID, Title: "t", Content: "second", Category: CategoryToDo,
	})
	require.NoError(t, err)

	var tags []Tag
	require.NoError(t, gdb.Where("note_id=?", res.Note.ID).Find(&tags).Error)
	require.Len(t, tags, 1)
	assert.Equal(t, "New", tags[0].Name)

	// old family reconciled too, not just the new one
	touched := map[string]bool{}
	for _, c := range rb.calls {
		touched[c.TagName] = true
	}
	assert.True(t, touched["Old"])
	assert.True(t, touched["New"])
}

func TestSaveNote_UnchangedContentSkipsExtraction(t *testing.T) {
	gdb := testDB(t)
	rb := &fakeRebuilder{}
	aiClient := dispatchAI(`{"tags":[{"name":"Stable","confidence":0.9}]}`)
	svc := newService(gdb, aiClient, rb)

	res, err := svc.SaveNote(context.Background(), 1, SaveNoteInput{
		Title: "t", Content: "same", Category: CategoryToDo,
	})
	require.NoError(t, err)
	before := aiClient.calls
	rebuiltBefore := len(rb.calls)

	_, err = svc.SaveNote(context.Background(), 1, SaveNoteInput{
		ID: res.Note.ID, Title: "t", Content: "same", Category: CategoryToDo, Zone: "work",
	})
	require.NoError(t, err)
	assert.Equal(t, before, aiClient.calls, "no extraction when content unchanged")
	for _, c := range rb.calls[rebuiltBefore:] {
		assert.False(t, c.Force, "zone-only edit must not force regeneration")
	}
}

func TestSaveNote_SameIDSerialized(t *testing.T) {
	gdb := testDB(t)

	var inFlight, overlapped int32
	aiClient := &fakeAI{reply: func(system, prompt string) (string, error) {
		if atomic.AddInt32(&inFlight, 1) > 1 {
			atomic.StoreInt32(&overlapped, 1)
		}
		time.Sleep(2 * time.Millisecond)
		atomic.AddInt32(&inFlight, -1)
		if strings.Contains(system, "title") {
			return "Generated Title", nil
		}
		return `{"tags":[{"name":"Busy","confidence":0.9}]}`, nil
	}}
	svc := newService(gdb, aiClient, &fakeRebuilder{})

	res, err := svc.SaveNote(context.Background(), 1, SaveNoteInput{
		Title: "t", Content: "v0", Category: CategoryToDo,
	})
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := svc.SaveNote(context.Background(), 1, SaveNoteInput{
				ID: res.Note.ID, Title: "t", Content: fmt.Sprintf("v%d", i+1), Category: CategoryToDo,
			})
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	assert.Zero(t, overlapped, "same-id saves must not overlap")
}

func TestSaveNote_CreateCascadeBlocksDelete(t *testing.T) {
	gdb := testDB(t)

	entered := make(chan struct{})
	release := make(chan struct{})
	aiClient := &fakeAI{reply: func(system, prompt string) (string, error) {
		if strings.Contains(system, "title") {
			return "Generated Title", nil
		}
		close(entered)
		<-release
		return `{"tags":[{"name":"Late","confidence":0.9}]}`, nil
	}}
	svc := newService(gdb, aiClient, &fakeRebuilder{})

	created := make(chan struct{})
	go func() {
		defer close(created)
		_, err := svc.SaveNote(context.Background(), 1, SaveNoteInput{
			Content: "fresh", Category: CategoryToDo,
		})
		assert.NoError(t, err)
	}()

	<-entered
	var n Note
	require.NoError(t, gdb.Where("user_id=?", 1).First(&n).Error)

	deleted := make(chan error, 1)
	go func() { deleted <- svc.DeleteNote(context.Background(), 1, n.ID) }()

	select {
	case err := <-deleted:
		t.Fatalf("delete finished during the create cascade: %v", err)
	case <-time.After(50 * time.Millisecond):
	}

	close(release)
	require.NoError(t, <-deleted)
	<-created

	var count int64
	gdb.Model(&Tag{}).Where("note_id=?", n.ID).Count(&count)
	assert.Zero(t, count, "no tag rows may outlive the delete")
}

func TestSaveNote_EmptyContentRejected(t *testing.T) {
	svc := newService(testDB(t), dispatchAI(`{}`), &fakeRebuilder{})

	_, err := svc.SaveNote(context.Background(), 1, SaveNoteInput{Content: "  "})
	assert.ErrorIs(t, err, ErrInvalidInput)
}

func TestSaveNote_NotFoundForForeignNote(t *testing.T) {
	gdb := testDB(t)
	svc := newService(gdb, dispatchAI(`{"tags":[]}`), &fakeRebuilder{})

	res, err := svc.SaveNote(context.Background(), 1, SaveNoteInput{
		Title: "t", Content: "mine", Category: CategoryToDo,
	})
	require.NoError(t, err)

	_, err = svc.SaveNote(context.Background(), 2, SaveNoteInput{
		ID: res.Note.ID, Title: "t", Content: "stolen", Category: CategoryToDo,
	})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestDeleteNote_CascadesTagsAndReconciles(t *testing.T) {
	gdb := testDB(t)
	rb := &fakeRebuilder{}
	svc := newService(gdb, dispatchAI(``), rb)

	n := mustNote(t, gdb, 1, CategoryToDo, "bye", "Groceries", "Errands")

	require.NoError(t, svc.DeleteNote(context.Background(), 1, n.ID))

	var count int64
	gdb.Model(&Tag{}).Where("note_id=?", n.ID).Count(&count)
	assert.Zero(t, count, "tag rows must not outlive the note")

	touched := map[string]bool{}
	for _, c := range rb.calls {
		assert.False(t, c.Force)
		touched[c.TagName] = true
	}
	assert.True(t, touched["Groceries"])
	assert.True(t, touched["Errands"])

	assert.ErrorIs(t, svc.DeleteNote(context.Background(), 1, n.ID), ErrNotFound)
}

func TestRefreshNote_RegeneratesTitleAndTags(t *testing.T) {
	gdb := testDB(t)
	rb := &fakeRebuilder{}
	aiClient := dispatchAI(`{"tags":[{"name":"Fresh","confidence":0.9}]}`)
	svc := newService(gdb, aiClient, rb)

	n := mustNote(t, gdb, 1, CategoryToDo, "content", "Stale")
	require.NoError(t, gdb.Model(&Note{}).Where("id=?", n.ID).Update("title", "Old Title").Error)

	res, err := svc.RefreshNote(context.Background(), 1, n.ID)
	require.NoError(t, err)
	assert.Equal(t, "Generated Title", res.Note.Title)

	var tags []Tag
	require.NoError(t, gdb.Where("note_id=?", n.ID).Find(&tags).Error)
	require.Len(t, tags, 1)
	assert.Equal(t, "Fresh", tags[0].Name)

	touched := map[string]bool{}
	for _, c := range rb.calls {
		touched[c.TagName] = true
	}
	assert.True(t, touched["Stale"], "removed family reconciled")
	assert.True(t, touched["Fresh"])
}

func TestReplaceTags_NormalizesAndReconciles(t *testing.T) {
	gdb := testDB(t)
	rb := &fakeRebuilder{}
	svc := newService(gdb, dispatchAI(``), rb)

	n := mustNote(t, gdb, 1, CategoryToDo, "content", "Old")

	res, err := svc.ReplaceTags(context.Background(), 1, n.ID, []string{"groceries", "errands"})
	require.NoError(t, err)

	var tags []Tag
	require.NoError(t, gdb.Where("note_id=?", n.ID).Order("id asc").Find(&tags).Error)
	require.Len(t, tags, 2)
	assert.Equal(t, "Groceries", tags[0].Name)
	assert.Equal(t, "Errands", tags[1].Name)
	for _, tag := range tags {
		assert.EqualValues(t, 1, tag.Confidence)
	}
	assert.Len(t, res.Enrichment, 3) // Old, Groceries, Errands

	_, err = svc.ReplaceTags(context.Background(), 1, n.ID, nil)
	assert.ErrorIs(t, err, ErrInvalidInput)
}

func TestRemoveTag_ByNameAndReconcile(t *testing.T) {
	gdb := testDB(t)
	rb := &fakeRebuilder{}
	svc := newService(gdb, dispatchAI(``), rb)

	n := mustNote(t, gdb, 1, CategoryToDo, "content", "Groceries")

	require.NoError(t, svc.RemoveTag(context.Background(), 1, n.ID, "groceries", 0))

	var count int64
	gdb.Model(&Tag{}).Where("note_id=?", n.ID).Count(&count)
	assert.Zero(t, count)

	require.Len(t, rb.calls, 1)
	assert.Equal(t, rebuildCall{Category: CategoryToDo, TagName: "Groceries", Force: false}, rb.calls[0])

	assert.ErrorIs(t, svc.RemoveTag(context.Background(), 1, n.ID, "groceries", 0), ErrNotFound)
}

func TestAppendChat(t *testing.T) {
	gdb := testDB(t)
	svc := newService(gdb, dispatchAI(``), &fakeRebuilder{})

	n := mustNote(t, gdb, 1, CategoryJournal, "dear diary")

	got, err := svc.AppendChat(context.Background(), 1, n.ID, ChatMessage{Role: "user", Content: "hi"})
	require.NoError(t, err)
	got, err = svc.AppendChat(context.Background(), 1, got.ID, ChatMessage{Role: "assistant", Content: "hello"})
	require.NoError(t, err)

	var reloaded Note
	require.NoError(t, gdb.First(&reloaded, n.ID).Error)
	msgs := reloaded.Chat()
	require.Len(t, msgs, 2)
	assert.Equal(t, "user", msgs[0].Role)
	assert.Equal(t, "hello", msgs[1].Content)

	_, err = svc.AppendChat(context.Background(), 1, n.ID, ChatMessage{Role: "", Content: "x"})
	assert.ErrorIs(t, err, ErrInvalidInput)
}
