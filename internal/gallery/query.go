package gallery

import (
	"sort"
	"strings"

	"github.com/vscodeoffline/vscmirror/pkg/models"
)

const defaultPageSize = 500

// Query evaluates an extensionquery request against a snapshot. Unknown
// filter types are ignored rather than rejected, because editors send
// criteria the mirror has no use for (installation targets, exclusion
// flags) on every request.
func Query(snap *Snapshot, req *models.QueryRequest) *models.QueryResponse {
	if len(req.Filters) == 0 {
		return models.NewQueryResponse(nil, 0)
	}
	filter := req.Filters[0]

	matched := matchCriteria(snap, filter.Criteria)

	// An editor's recommendation and "popular" views arrive as queries
	// with no actionable criteria. Serve the recommended set rather than
	// an empty gallery.
	if len(matched) == 0 && len(filter.Criteria) <= 2 {
		matched = recommendedSet(snap)
	}

	if !req.Flags.Has(models.FlagIncludeMalicious) {
		matched = excludeMalicious(matched, snap.Malicious)
	}

	sortExtensions(matched, filter.SortBy, filter.SortOrder)

	// The reported count covers everything matched, not just this page.
	total := len(matched)
	matched = page(matched, filter.PageNumber, filter.PageSize)

	if req.Flags.Has(models.FlagIncludeLatestVersionOnly) {
		matched = narrowToLatest(matched)
	}

	return models.NewQueryResponse(matched, total)
}

// matchCriteria returns the union of extensions matched by the
// actionable criteria, deduplicated, in snapshot order.
func matchCriteria(snap *Snapshot, criteria []models.FilterCriterion) []*models.Extension {
	seen := map[*models.Extension]bool{}
	var matched []*models.Extension

	add := func(ext *models.Extension) {
		if !seen[ext] {
			seen[ext] = true
			matched = append(matched, ext)
		}
	}

	for _, criterion := range criteria {
		switch criterion.FilterType {
		case models.FilterExtensionID:
			for _, ext := range snap.Extensions {
				if strings.EqualFold(ext.ExtensionID, criterion.Value) {
					add(ext)
				}
			}
		case models.FilterExtensionName:
			for _, ext := range snap.Extensions {
				if strings.EqualFold(ext.Identity(), criterion.Value) {
					add(ext)
				}
			}
		case models.FilterSearchText:
			text := strings.ToLower(criterion.Value)
			for _, ext := range snap.Extensions {
				if matchesText(ext, text) {
					add(ext)
				}
			}
		}
	}
	return matched
}

func matchesText(ext *models.Extension, text string) bool {
	if text == "" {
		return true
	}
	return strings.Contains(strings.ToLower(ext.Identity()), text) ||
		strings.Contains(strings.ToLower(ext.DisplayName), text) ||
		strings.Contains(strings.ToLower(ext.ShortDescription), text)
}

func recommendedSet(snap *Snapshot) []*models.Extension {
	var recommended []*models.Extension
	for _, ext := range snap.Extensions {
		if ext.Recommended {
			recommended = append(recommended, ext)
		}
	}
	return recommended
}

func excludeMalicious(extensions []*models.Extension, malicious *models.MaliciousList) []*models.Extension {
	if malicious == nil || len(malicious.Malicious) == 0 {
		return extensions
	}
	kept := extensions[:0:0]
	for _, ext := range extensions {
		if malicious.Contains(ext.Identity()) {
			continue
		}
		kept = append(kept, ext)
	}
	return kept
}

// sortExtensions orders the result set. Numeric and date keys default
// to descending; Title and PublisherName read naturally ascending, so
// for those the requested direction is inverted.
func sortExtensions(extensions []*models.Extension, sortBy models.SortBy, sortOrder models.SortOrder) {
	// Stable display-name pre-sort gives every key a deterministic
	// secondary ordering.
	sort.SliceStable(extensions, func(i, j int) bool {
		return displayName(extensions[i]) < displayName(extensions[j])
	})

	var less func(a, b *models.Extension) bool
	switch sortBy {
	case models.SortTitle:
		less = func(a, b *models.Extension) bool { return displayName(a) < displayName(b) }
	case models.SortPublisherName:
		less = func(a, b *models.Extension) bool {
			return strings.ToLower(a.Publisher.PublisherName) < strings.ToLower(b.Publisher.PublisherName)
		}
	case models.SortLastUpdatedDate:
		less = func(a, b *models.Extension) bool {
			return models.ParseGalleryTime(a.LastUpdated).After(models.ParseGalleryTime(b.LastUpdated))
		}
	case models.SortPublishedDate:
		less = func(a, b *models.Extension) bool {
			return models.ParseGalleryTime(a.PublishedDate).After(models.ParseGalleryTime(b.PublishedDate))
		}
	case models.SortAverageRating:
		less = statLess("averagerating")
	case models.SortWeightedRating:
		less = statLess("weightedRating")
	default:
		less = statLess("install")
	}

	invert := sortOrder == models.OrderAscending
	if sortBy == models.SortTitle || sortBy == models.SortPublisherName {
		invert = sortOrder == models.OrderDescending
	}
	if invert {
		inner := less
		less = func(a, b *models.Extension) bool { return inner(b, a) }
	}

	sort.SliceStable(extensions, func(i, j int) bool {
		return less(extensions[i], extensions[j])
	})
}

func statLess(name string) func(a, b *models.Extension) bool {
	return func(a, b *models.Extension) bool {
		return a.Statistic(name) > b.Statistic(name)
	}
}

func displayName(ext *models.Extension) string {
	if ext.DisplayName != "" {
		return strings.ToLower(ext.DisplayName)
	}
	return strings.ToLower(ext.Identity())
}

func page(extensions []*models.Extension, pageNumber, pageSize int) []*models.Extension {
	if pageSize <= 0 {
		pageSize = defaultPageSize
	}
	if pageNumber < 1 {
		pageNumber = 1
	}
	start := (pageNumber - 1) * pageSize
	if start >= len(extensions) {
		return nil
	}
	end := start + pageSize
	if end > len(extensions) {
		end = len(extensions)
	}
	return extensions[start:end]
}

// narrowToLatest returns copies of the extensions with the version list
// reduced to the single best version. Versions are stored newest first
// with platform builds ahead of universal ones on equal versions, so
// the best version is the head of the list. Copies keep the shared
// snapshot immutable.
func narrowToLatest(extensions []*models.Extension) []*models.Extension {
	narrowed := make([]*models.Extension, len(extensions))
	for i, ext := range extensions {
		clone := *ext
		if len(ext.Versions) > 0 {
			clone.Versions = ext.Versions[:1]
		}
		narrowed[i] = &clone
	}
	return narrowed
}
