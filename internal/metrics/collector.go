package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Stats is a point-in-time view of a replica's version state.
type Stats struct {
	DBVersion int64
	Changes   int
	// Peers maps a peer's site id to the receive cursor held for it.
	Peers map[string]int64
}

// StoreCollector exports replica version state read at scrape time.
type StoreCollector struct {
	snapshot func() (Stats, error)

	dbVersion  *prometheus.Desc
	changes    *prometheus.Desc
	peerCursor *prometheus.Desc
	scrapeErr  *prometheus.Desc
}

// NewStoreCollector returns a collector that calls snapshot on every scrape.
func NewStoreCollector(snapshot func() (Stats, error)) *StoreCollector {
	return &StoreCollector{
		snapshot: snapshot,

		dbVersion: prometheus.NewDesc(
			"crsync_replica_db_version",
			"Local db_version high-water mark",
			nil, nil,
		),
		changes: prometheus.NewDesc(
			"crsync_replica_change_records",
			"Records currently held in the change log",
			nil, nil,
		),
		peerCursor: prometheus.NewDesc(
			"crsync_replica_peer_cursor",
			"Highest db_version of a peer applied here",
			[]string{"peer"}, nil,
		),
		scrapeErr: prometheus.NewDesc(
			"crsync_replica_scrape_error",
			"1 if the last scrape failed to read replica state",
			nil, nil,
		),
	}
}

func (sc *StoreCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- sc.dbVersion
	ch <- sc.changes
	ch <- sc.peerCursor
	ch <- sc.scrapeErr
}

func (sc *StoreCollector) Collect(ch chan<- prometheus.Metric) {
	stats, err := sc.snapshot()
	if err != nil {
		ch <- prometheus.MustNewConstMetric(sc.scrapeErr, prometheus.GaugeValue, 1)
		return
	}
	ch <- prometheus.MustNewConstMetric(sc.scrapeErr, prometheus.GaugeValue, 0)

	ch <- prometheus.MustNewConstMetric(
		sc.dbVersion,
		prometheus.GaugeValue,
		float64(stats.DBVersion),
	)
	ch <- prometheus.MustNewConstMetric(
		sc.changes,
		prometheus.GaugeValue,
		float64(stats.Changes),
	)
	for peer, cursor := range stats.Peers {
		ch <- prometheus.MustNewConstMetric(
			sc.peerCursor,
			prometheus.GaugeValue,
			float64(cursor),
			peer,
		)
	}
}
