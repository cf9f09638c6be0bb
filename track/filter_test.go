package track

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseFilter(t *testing.T) {
	f := ParseFilter(" !rock, @Beatles ,#abbey,$come, help , ,@stones")

	assert.Equal(t, []string{"rock"}, f.Genres)
	assert.Equal(t, []string{"Beatles", "stones"}, f.Artists)
	assert.Equal(t, []string{"abbey"}, f.Albums)
	assert.Equal(t, []string{"come"}, f.Titles)
	assert.Equal(t, []string{"help"}, f.Any)
	assert.False(t, f.Empty())
}

func TestParseFilter_EmptyMatchesAll(t *testing.T) {
	for _, in := range []string{"", "   ", ",,", "@, !"} {
		f := ParseFilter(in)
		require.True(t, f.Empty(), in)
		assert.True(t, f.Match(&Track{Title: "x"}), in)
	}
}

func TestFilter_Match(t *testing.T) {
	tr := &Track{
		Title:  "Come Together",
		Artist: "The Beatles",
		Album:  "Abbey Road",
		Genre:  "Rock",
	}

	cases := []struct {
		in   string
		want bool
	}{
		{"@beatles", true},
		{"@stones", false},
		{"@stones,@beatles", true},
		{"@beatles,!jazz", false},
		{"@beatles,!jazz,!rock", true},
		{"#abbey,$together", true},
		{"$something", false},
		{"road", true},
		{"rock", false},
		{"stones,road", true},
		{"road,@stones", false},
	}
	for _, c := range cases {
		assert.Equal(t, c.want, ParseFilter(c.in).Match(tr), c.in)
	}
	assert.False(t, ParseFilter("").Match(nil))
}

func TestSortForListing(t *testing.T) {
	tracks := []*Track{
		{ID: 4, Artist: "B", Album: "A", DiscNumber: 1, TrackNumber: 1},
		{ID: 3, Artist: "A", Album: "B", DiscNumber: 1, TrackNumber: 2},
		{ID: 2, Artist: "A", Album: "B", DiscNumber: 1, TrackNumber: 1},
		{ID: 1, Artist: "A", Album: "A", DiscNumber: 2, TrackNumber: 1},
		{ID: 5, Artist: "A", Album: "A", DiscNumber: 1, TrackNumber: 9},
	}
	SortForListing(tracks)

	var ids []int64
	for _, tr := range tracks {
		ids = append(ids, tr.ID)
	}
	assert.Equal(t, []int64{5, 1, 2, 3, 4}, ids)
}

func TestPlaceholders(t *testing.T) {
	m := NewMissing(MissingID)
	assert.Equal(t, Missing, m.State)
	assert.Equal(t, int64(-1), m.ID)
	assert.True(t, m.IsPlaceholder())

	l := NewLoading(14)
	assert.Equal(t, Loading, l.State)
	assert.Equal(t, int64(14), l.ID)
	assert.Equal(t, "#14 (loading)", l.String())

	assert.False(t, (&Track{ID: 1}).IsPlaceholder())
}
