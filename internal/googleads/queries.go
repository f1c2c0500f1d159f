package googleads

import (
	"fmt"
	"maps"
	"slices"
	"strings"
	"time"

	"github.com/peteski22/adsmirror/internal/entity"
	mirror "github.com/peteski22/adsmirror/internal/sync"
)

const (
	// changeStatusLimit is the row cap Google enforces on change_status queries.
	changeStatusLimit = 10000

	// gaqlDate is the GAQL date literal layout.
	gaqlDate = "2006-01-02"

	// gaqlDateTime is the GAQL date-time literal layout.
	gaqlDateTime = "2006-01-02 15:04:05"

	// idSeparator joins the parts of composite identifiers, as Google resource names do.
	idSeparator = "~"
)

// query describes how one entity type is read through GAQL.
type query struct {
	// changeResource is the change_status resource type, empty when untracked.
	changeResource string

	// dateField is the segment date of metric rows, empty for entities.
	dateField string

	// fields are the selected fields.
	fields []string

	// idFields identify a row. More than one yields a composite ID.
	idFields []string

	// resource is the FROM resource.
	resource string

	// resourceNameField is the resource name of the row entity.
	resourceNameField string

	// statusField carries the entity status; REMOVED marks a deletion.
	statusField string
}

// queries maps every entity type to its GAQL description.
var queries = map[entity.Type]query{
	entity.TypeAccounts: {
		fields: []string{
			"customer.id",
			"customer.descriptive_name",
			"customer.currency_code",
			"customer.time_zone",
			"customer.status",
			"customer.manager",
			"customer.test_account",
			"customer.auto_tagging_enabled",
		},
		idFields:          []string{"customer.id"},
		resource:          "customer",
		resourceNameField: "customer.resource_name",
	},
	entity.TypeCampaigns: {
		changeResource: "CAMPAIGN",
		fields: []string{
			"campaign.id",
			"campaign.name",
			"campaign.status",
			"campaign.advertising_channel_type",
			"campaign.bidding_strategy_type",
			"campaign.start_date",
			"campaign.end_date",
			"campaign_budget.amount_micros",
		},
		idFields:          []string{"campaign.id"},
		resource:          "campaign",
		resourceNameField: "campaign.resource_name",
		statusField:       "campaign.status",
	},
	entity.TypeAdGroups: {
		changeResource: "AD_GROUP",
		fields: []string{
			"ad_group.id",
			"ad_group.name",
			"ad_group.status",
			"ad_group.type",
			"ad_group.campaign",
			"ad_group.cpc_bid_micros",
		},
		idFields:          []string{"ad_group.id"},
		resource:          "ad_group",
		resourceNameField: "ad_group.resource_name",
		statusField:       "ad_group.status",
	},
	entity.TypeKeywords: {
		changeResource: "AD_GROUP_CRITERION",
		fields: []string{
			"ad_group.id",
			"ad_group_criterion.criterion_id",
			"ad_group_criterion.keyword.text",
			"ad_group_criterion.keyword.match_type",
			"ad_group_criterion.status",
			"ad_group_criterion.negative",
			"ad_group_criterion.cpc_bid_micros",
		},
		idFields:          []string{"ad_group.id", "ad_group_criterion.criterion_id"},
		resource:          "keyword_view",
		resourceNameField: "ad_group_criterion.resource_name",
		statusField:       "ad_group_criterion.status",
	},
	entity.TypePerformance: {
		dateField: "segments.date",
		fields: []string{
			"campaign.id",
			"segments.date",
			"metrics.impressions",
			"metrics.clicks",
			"metrics.cost_micros",
			"metrics.conversions",
			"metrics.conversions_value",
			"metrics.ctr",
			"metrics.average_cpc",
		},
		idFields:          []string{"campaign.id", "segments.date"},
		resource:          "campaign",
		resourceNameField: "campaign.resource_name",
	},
}

// queryFor returns the GAQL description of t.
func queryFor(t entity.Type) (query, error) {
	q, ok := queries[t]
	if !ok {
		return query{}, fmt.Errorf("no query for entity type %q", t)
	}
	return q, nil
}

// build renders the search statement. changed narrows the rows to the given resource
// names; now bounds metric date ranges.
func (q query) build(req mirror.FetchRequest, changed []string, now time.Time) string {
	selected := slices.Clone(q.fields)
	if !slices.Contains(selected, q.resourceNameField) {
		selected = append(selected, q.resourceNameField)
	}

	var where []string
	if len(changed) > 0 {
		where = append(where, fmt.Sprintf("%s IN (%s)", q.resourceNameField, quoteAll(changed)))
	}
	if q.dateField != "" {
		if req.Since != nil {
			where = append(where, fmt.Sprintf("%s BETWEEN '%s' AND '%s'",
				q.dateField, req.Since.UTC().Format(gaqlDate), now.UTC().Format(gaqlDate)))
		} else {
			where = append(where, q.dateField+" DURING LAST_30_DAYS")
		}
	}
	where = append(where, q.filterConditions(req.Filter)...)

	var b strings.Builder
	fmt.Fprintf(&b, "SELECT %s FROM %s", strings.Join(selected, ", "), q.resource)
	if len(where) > 0 {
		fmt.Fprintf(&b, " WHERE %s", strings.Join(where, " AND "))
	}
	fmt.Fprintf(&b, " ORDER BY %s", strings.Join(q.idFields, ", "))
	return b.String()
}

// filterConditions pushes a selective filter down to the API where GAQL can express it.
// The orchestrator re-applies the filter, so conditions left out only cost bandwidth.
func (q query) filterConditions(f *mirror.Filter) []string {
	if f.Empty() {
		return nil
	}

	var conds []string
	if len(f.EntityIDs) > 0 && len(q.idFields) == 1 {
		conds = append(conds, fmt.Sprintf("%s IN (%s)", q.idFields[0], literalAll(f.EntityIDs)))
	}
	for _, field := range slices.Sorted(maps.Keys(f.Fields)) {
		conds = append(conds, fmt.Sprintf("%s = %s", field, literal(f.Fields[field])))
	}
	return conds
}

// changeStatusQuery lists the resources of this type changed in [since, now].
func (q query) changeStatusQuery(since time.Time, now time.Time) string {
	return fmt.Sprintf(
		"SELECT change_status.resource_name, change_status.last_change_date_time, "+
			"change_status.resource_status, %s FROM change_status "+
			"WHERE change_status.resource_type = '%s' "+
			"AND change_status.last_change_date_time BETWEEN '%s' AND '%s' "+
			"ORDER BY change_status.last_change_date_time LIMIT %d",
		q.changedField(),
		q.changeResource,
		since.UTC().Format(gaqlDateTime),
		now.UTC().Format(gaqlDateTime),
		changeStatusLimit,
	)
}

// changedField is the change_status field holding the changed resource name.
func (q query) changedField() string {
	switch q.changeResource {
	case "AD_GROUP":
		return "change_status.ad_group"
	case "AD_GROUP_CRITERION":
		return "change_status.ad_group_criterion"
	default:
		return "change_status.campaign"
	}
}

func quoteAll(values []string) string {
	quoted := make([]string, 0, len(values))
	for _, v := range values {
		quoted = append(quoted, quote(v))
	}
	return strings.Join(quoted, ", ")
}

func literalAll(values []string) string {
	out := make([]string, 0, len(values))
	for _, v := range values {
		out = append(out, literal(v))
	}
	return strings.Join(out, ", ")
}

// literal renders v as a GAQL literal. Numbers and booleans stay bare.
func literal(v any) string {
	switch val := v.(type) {
	case bool:
		return fmt.Sprint(val)
	case int, int32, int64, float64:
		return fmt.Sprint(val)
	case string:
		if isNumeric(val) {
			return val
		}
		return quote(val)
	default:
		return quote(fmt.Sprint(val))
	}
}

func quote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `\'`) + "'"
}

func isNumeric(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
