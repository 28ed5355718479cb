package ingest

import (
	"fmt"
	"strings"
)

const citibikeHeader = `"tripduration","starttime","stoptime","start station id","start station name","start station latitude","start station longitude","end station id","end station name","end station latitude","end station longitude","bikeid","usertype","birth year","gender"`

// stationCoords places the named test stations; any other name sits at a shared default.
var stationCoords = map[string][2]string{
	"A": {"40.5", "-73.9"},
	"B": {"40.6", "-74"},
}

func coords(name string) (string, string) {
	if c, ok := stationCoords[name]; ok {
		return c[0], c[1]
	}
	return "41", "-72"
}

type trip struct {
	start     string
	fromID    string
	fromName  string
	toID      string
	toName    string
	bikeID    string
	birthYear string
}

func (tr trip) row() string {
	fromLat, fromLon := coords(tr.fromName)
	toLat, toLon := coords(tr.toName)
	return fmt.Sprintf(`600,"%s","%s",%s,"%s",%s,%s,%s,"%s",%s,%s,%s,"Subscriber",%s,1`,
		tr.start, tr.start, tr.fromID, tr.fromName, fromLat, fromLon, tr.toID, tr.toName, toLat, toLon, tr.bikeID, tr.birthYear)
}

func citibikeCSV(trips ...trip) string {
	lines := []string{citibikeHeader}
	for _, tr := range trips {
		lines = append(lines, tr.row())
	}
	return strings.Join(lines, "\n") + "\n"
}

// twoTrips is A->B at 09:15 and B->A at 10:30.
var twoTrips = []trip{
	{start: "2013-06-01 09:15:00", fromID: "1", fromName: "A", toID: "2", toName: "B", bikeID: "100", birthYear: "1980"},
	{start: "2013-06-01 10:30:00", fromID: "2", fromName: "B", toID: "1", toName: "A", bikeID: "101", birthYear: ""},
}
