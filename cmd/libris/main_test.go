package main

import (
	"bytes"
	"testing"

	"github.com/mmcdole/libris/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFilterFlag(t *testing.T) {
	f := filterFlag{}
	require.NoError(t, f.Set("tags=sf"))
	require.NoError(t, f.Set(" Tags = classic "))
	require.NoError(t, f.Set("authors=Le Guin, Ursula"))
	assert.Equal(t, []string{"sf", "classic"}, f["tags"])
	assert.Equal(t, []string{"Le Guin, Ursula"}, f["authors"])

	assert.Error(t, f.Set("tags"))
	assert.Error(t, f.Set("=sf"))
	assert.Error(t, f.Set("tags= "))
}

func TestParseLibraries(t *testing.T) {
	assert.Nil(t, parseLibraries(""))
	assert.Equal(t, []domain.LibraryID{"home/a", "phone/b"}, parseLibraries(" home/a, ,phone/b "))
}

func TestBuildCriteria(t *testing.T) {
	c, err := buildCriteria(" dune ", "added:desc", filterFlag{"tags": {"sf"}}, 25)
	require.NoError(t, err)
	assert.Equal(t, "dune", c.Query)
	assert.Equal(t, domain.SortKey{Field: domain.SortByAdded, Ascending: false}, c.Sort)
	assert.Equal(t, 25, c.PageSize)

	_, err = buildCriteria("", "color", nil, 10)
	assert.ErrorIs(t, err, domain.ErrInvalidCriteria)

	_, err = buildCriteria("", "title", filterFlag{"mood": {"dark"}}, 10)
	assert.ErrorIs(t, err, domain.ErrInvalidCriteria)
}

func TestSettled(t *testing.T) {
	full := domain.MergedPage{PageSize: 2, TotalCount: 2, Books: make([]domain.BookRef, 2)}
	assert.True(t, settled(full))

	loading := full
	loading.Loading = true
	assert.False(t, settled(loading))

	short := domain.MergedPage{PageSize: 2, TotalCount: 4, Books: make([]domain.BookRef, 1)}
	assert.False(t, settled(short))

	short.Error = true
	assert.True(t, settled(short), "a failed library will not fill the page")
}

func TestPrintPage(t *testing.T) {
	var buf bytes.Buffer
	printPage(&buf, nil, domain.MergedPage{Page: 1, PageSize: 10, TotalCount: 25, Failed: []domain.LibraryID{"home/a"}})
	out := buf.String()
	assert.Contains(t, out, "page 2 of 3, 25 books")
	assert.Contains(t, out, "failed libraries: [home/a]")
}
