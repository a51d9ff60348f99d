package models

import "time"

// QueryFlags control what the marketplace includes in a query response.
// Values match the Visual Studio Marketplace gallery API.
type QueryFlags int

const (
	FlagNoneDefined              QueryFlags = 0x0
	FlagIncludeVersions          QueryFlags = 0x1
	FlagIncludeFiles             QueryFlags = 0x2
	FlagIncludeCategoryAndTags   QueryFlags = 0x4
	FlagIncludeSharedAccounts    QueryFlags = 0x8
	FlagIncludeVersionProperties QueryFlags = 0x10
	FlagExcludeNonValidated      QueryFlags = 0x20
	FlagIncludeInstallationTargets QueryFlags = 0x40
	FlagIncludeAssetURI          QueryFlags = 0x80
	FlagIncludeStatistics        QueryFlags = 0x100
	FlagIncludeLatestVersionOnly QueryFlags = 0x200
	FlagUnpublished              QueryFlags = 0x1000
	// FlagIncludeMalicious is a mirror-local extension: results normally
	// exclude extensions on the malicious list unless this flag is set.
	FlagIncludeMalicious QueryFlags = 0x2000
)

// Has reports whether all bits of other are set.
func (f QueryFlags) Has(other QueryFlags) bool {
	return f&other == other
}

// FilterType identifies a gallery query criterion.
type FilterType int

const (
	FilterTag              FilterType = 1
	FilterExtensionID      FilterType = 4
	FilterCategory         FilterType = 5
	FilterExtensionName    FilterType = 7
	FilterTarget           FilterType = 8
	FilterFeatured         FilterType = 9
	FilterSearchText       FilterType = 10
	FilterExcludeWithFlags FilterType = 12
)

// SortBy identifies the gallery sort key.
type SortBy int

const (
	SortNoneOrRelevance SortBy = 0
	SortLastUpdatedDate SortBy = 1
	SortTitle           SortBy = 2
	SortPublisherName   SortBy = 3
	SortInstallCount    SortBy = 4
	SortPublishedDate   SortBy = 5
	SortAverageRating   SortBy = 6
	SortWeightedRating  SortBy = 12
)

// SortOrder identifies the gallery sort direction.
type SortOrder int

const (
	OrderDefault    SortOrder = 0
	OrderAscending  SortOrder = 1
	OrderDescending SortOrder = 2
)

// Marketplace property keys consumed by the mirror.
const (
	PropertyPreRelease    = "Microsoft.VisualStudio.Code.PreRelease"
	PropertyExtensionPack = "Microsoft.VisualStudio.Code.ExtensionPack"
)

// Well-known asset types. Asset type strings are otherwise opaque keys.
const (
	AssetVSIXPackage = "Microsoft.VisualStudio.Services.VSIXPackage"
	AssetManifest    = "Microsoft.VisualStudio.Code.Manifest"
	AssetIcon        = "Microsoft.VisualStudio.Services.Icons.Default"
	AssetDetails     = "Microsoft.VisualStudio.Services.Content.Details"
	AssetChangelog   = "Microsoft.VisualStudio.Services.Content.Changelog"
	AssetLicense     = "Microsoft.VisualStudio.Services.Content.License"
)

// AssetFile is a single downloadable asset of an extension version.
type AssetFile struct {
	AssetType string `json:"assetType"`
	Source    string `json:"source"`
}

// Property is a key/value attribute of an extension version.
type Property struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

// Publisher identifies the publishing account of an extension.
type Publisher struct {
	PublisherID   string `json:"publisherId,omitempty"`
	PublisherName string `json:"publisherName"`
	DisplayName   string `json:"displayName,omitempty"`
	Flags         string `json:"flags,omitempty"`
}

// Statistic is one named counter of an extension (installs, ratings).
type Statistic struct {
	StatisticName string  `json:"statisticName"`
	Value         float64 `json:"value"`
}

// ExtensionVersion is one published version of an extension. TargetPlatform
// is empty for universal builds. Within one extension the pair
// (Version, TargetPlatform) is unique.
type ExtensionVersion struct {
	Version          string      `json:"version"`
	TargetPlatform   string      `json:"targetPlatform,omitempty"`
	Flags            string      `json:"flags,omitempty"`
	LastUpdated      string      `json:"lastUpdated,omitempty"`
	Files            []AssetFile `json:"files"`
	Properties       []Property  `json:"properties,omitempty"`
	AssetURI         string      `json:"assetUri,omitempty"`
	FallbackAssetURI string      `json:"fallbackAssetUri,omitempty"`
}

// IsPreRelease reports whether the version carries the marketplace
// prerelease property.
func (v *ExtensionVersion) IsPreRelease() bool {
	for _, p := range v.Properties {
		if p.Key == PropertyPreRelease && p.Value == "true" {
			return true
		}
	}
	return false
}

// Asset returns the file entry for the given asset type, or nil.
func (v *ExtensionVersion) Asset(assetType string) *AssetFile {
	for i := range v.Files {
		if v.Files[i].AssetType == assetType {
			return &v.Files[i]
		}
	}
	return nil
}

// Extension is a marketplace extension record. Identity is
// publisher.name; the record is extended over time by adding versions.
type Extension struct {
	ExtensionID      string             `json:"extensionId,omitempty"`
	ExtensionName    string             `json:"extensionName"`
	DisplayName      string             `json:"displayName,omitempty"`
	ShortDescription string             `json:"shortDescription,omitempty"`
	Publisher        Publisher          `json:"publisher"`
	Versions         []ExtensionVersion `json:"versions"`
	Categories       []string           `json:"categories,omitempty"`
	Tags             []string           `json:"tags,omitempty"`
	Statistics       []Statistic        `json:"statistics,omitempty"`
	Flags            string             `json:"flags,omitempty"`
	PublishedDate    string             `json:"publishedDate,omitempty"`
	LastUpdated      string             `json:"lastUpdated,omitempty"`
	// Recommended marks extensions mirrored via the recommended set. It is
	// mirror-local state and drives the gallery's empty-query fallback.
	Recommended bool `json:"recommended,omitempty"`
}

// Identity returns the publisher.name identity of the extension.
func (e *Extension) Identity() string {
	return e.Publisher.PublisherName + "." + e.ExtensionName
}

// Statistic returns the named statistic value, or 0 when absent.
func (e *Extension) Statistic(name string) float64 {
	for _, s := range e.Statistics {
		if s.StatisticName == name {
			return s.Value
		}
	}
	return 0
}

// IsPreRelease reports whether the newest version of the extension is a
// prerelease build.
func (e *Extension) IsPreRelease() bool {
	if len(e.Versions) == 0 {
		return false
	}
	return e.Versions[0].IsPreRelease()
}

// FilterCriterion is one filter of a gallery query.
type FilterCriterion struct {
	FilterType FilterType `json:"filterType"`
	Value      string     `json:"value"`
}

// QueryFilter is the filter block of a gallery query: criteria plus
// paging and sorting.
type QueryFilter struct {
	Criteria   []FilterCriterion `json:"criteria"`
	PageNumber int               `json:"pageNumber"`
	PageSize   int               `json:"pageSize"`
	SortBy     SortBy            `json:"sortBy"`
	SortOrder  SortOrder         `json:"sortOrder"`
}

// QueryRequest is the gallery extensionquery request body.
type QueryRequest struct {
	AssetTypes []string      `json:"assetTypes"`
	Filters    []QueryFilter `json:"filters"`
	Flags      QueryFlags    `json:"flags"`
}

// MetadataItem is one entry of a query result metadata block.
type MetadataItem struct {
	Name  string `json:"name"`
	Count int    `json:"count"`
}

// ResultMetadata carries result counts in a query response.
type ResultMetadata struct {
	MetadataType  string         `json:"metadataType"`
	MetadataItems []MetadataItem `json:"metadataItems"`
}

// QueryResult is one page of extensions in a query response.
type QueryResult struct {
	Extensions     []*Extension     `json:"extensions"`
	PagingToken    *string          `json:"pagingToken"`
	ResultMetadata []ResultMetadata `json:"resultMetadata"`
}

// QueryResponse is the gallery extensionquery response body. The shape
// must match the upstream marketplace for client compatibility.
type QueryResponse struct {
	Results []QueryResult `json:"results"`
}

// NewQueryResponse wraps a result set in the response envelope the client
// expects, including the ResultCount metadata block. total is the number
// of extensions matched before paging, which may exceed the page length.
func NewQueryResponse(extensions []*Extension, total int) *QueryResponse {
	return &QueryResponse{
		Results: []QueryResult{
			{
				Extensions: extensions,
				ResultMetadata: []ResultMetadata{
					{
						MetadataType: "ResultCount",
						MetadataItems: []MetadataItem{
							{Name: "TotalCount", Count: total},
						},
					},
				},
			},
		},
	}
}

// MaliciousList mirrors the upstream malicious extension list shape.
// The list is replaced wholesale on refresh, never merged.
type MaliciousList struct {
	Malicious []string `json:"malicious"`
}

// Contains reports whether the identity is on the list.
func (m *MaliciousList) Contains(identity string) bool {
	for _, entry := range m.Malicious {
		if entry == identity {
			return true
		}
	}
	return false
}

// ParseGalleryTime parses the marketplace timestamp format. The zero time
// is returned for values that do not parse, which sorts them last.
func ParseGalleryTime(value string) time.Time {
	for _, layout := range []string{"2006-01-02T15:04:05.999999999Z", time.RFC3339} {
		if t, err := time.Parse(layout, value); err == nil {
			return t
		}
	}
	return time.Time{}
}
