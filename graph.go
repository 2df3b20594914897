package lakehouse

import (
	"github.com/birdayz/lakehouse/dag"
)

// Stages of the default pipeline.
const (
	StageFindParquetFiles   dag.StageID = "find_parquet_files"
	StageLoadBronzeTrips    dag.StageID = "load_bronze_trips"
	StageLoadBronzeLookup   dag.StageID = "load_bronze_lookup"
	StageSilverTrips        dag.StageID = "bronze_to_silver_trips"
	StageSilverLookup       dag.StageID = "bronze_to_silver_lookup"
	StageGoldDimDate        dag.StageID = "gold_dim_date"
	StageGoldDimLocation    dag.StageID = "gold_dim_location"
	StageGoldDimPayments    dag.StageID = "gold_dim_payments"
	StageGoldFactTrips      dag.StageID = "gold_fact_trips"
	StageZoneDailyMetrics   dag.StageID = "analytics_zone_daily_metrics"
	StageZoneMonthlyMetrics dag.StageID = "analytics_zone_monthly_metrics"
)

// scriptStages maps the SQL stages to their script key in the sql section
// of the configuration.
var scriptStages = map[dag.StageID]string{
	StageSilverTrips:        "silver.trips",
	StageSilverLookup:       "silver.lookup",
	StageGoldDimDate:        "gold.dim_dates",
	StageGoldDimLocation:    "gold.dim_locations",
	StageGoldDimPayments:    "gold.dim_payments",
	StageGoldFactTrips:      "gold.fact_trips",
	StageZoneDailyMetrics:   "analytics.daily",
	StageZoneMonthlyMetrics: "analytics.monthly",
}

// DefaultGraph builds the pipeline graph. With lookupAllowSkipped the
// location dimension is still built from the previous lookup data when the
// lookup load was skipped.
func DefaultGraph(lookupAllowSkipped bool) (*dag.Graph, error) {
	lookup := dag.Dep(StageSilverLookup)
	if lookupAllowSkipped {
		lookup = dag.Optional(StageSilverLookup)
	}
	return dag.NewBuilder().
		AddStage(StageFindParquetFiles).
		AddStage(StageLoadBronzeTrips, dag.Dep(StageFindParquetFiles)).
		AddStage(StageLoadBronzeLookup, dag.Dep(StageFindParquetFiles)).
		AddStage(StageSilverTrips, dag.Dep(StageLoadBronzeTrips)).
		AddStage(StageSilverLookup, dag.Dep(StageLoadBronzeLookup)).
		AddStage(StageGoldDimDate, dag.Dep(StageSilverTrips)).
		AddStage(StageGoldDimLocation, dag.Dep(StageSilverTrips), lookup).
		AddStage(StageGoldDimPayments, dag.Dep(StageSilverTrips)).
		AddStage(StageGoldFactTrips, dag.Dep(StageGoldDimDate), dag.Dep(StageGoldDimLocation), dag.Dep(StageGoldDimPayments)).
		AddStage(StageZoneDailyMetrics, dag.Dep(StageGoldFactTrips)).
		AddStage(StageZoneMonthlyMetrics, dag.Dep(StageGoldFactTrips)).
		Build()
}
