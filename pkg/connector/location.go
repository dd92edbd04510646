package connector

import (
	"fmt"
	"strconv"
)

const (
	DefaultMapZoom = 17
	MinMapZoom     = 0
	MaxMapZoom     = 19

	fieldLat  = "Lat"
	fieldLng  = "Lng"
	fieldZoom = "Zoom"
	fieldMaps = "Maps"

	mapFileName = "map.png"
)

func formatCoord(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

func mapsLink(lat, lng float64) string {
	la, ln := formatCoord(lat), formatCoord(lng)
	return fmt.Sprintf("https://www.google.com/maps/dir//%s,%s/@%s,%s,17z", la, ln, la, ln)
}

func clampZoom(zoom int) int {
	return min(max(zoom, MinMapZoom), MaxMapZoom)
}

// locationFields are the embed fields every location message carries; the
// interaction resolver reads them back when zooming.
func locationFields(lat, lng float64) []EmbedField {
	return []EmbedField{
		{Name: fieldLat, Value: formatCoord(lat), Inline: true},
		{Name: fieldLng, Value: formatCoord(lng), Inline: true},
		{Name: fieldMaps, Value: mapsLink(lat, lng)},
	}
}

// renderedLocation builds the edit that replaces a location message with its
// map preview at the given zoom.
func renderedLocation(header *Embed, lat, lng float64, zoom int, png []byte) *OutgoingMessage {
	embed := *header
	embed.Title = "[Location]"
	embed.Fields = append(locationFields(lat, lng), EmbedField{Name: fieldZoom, Value: strconv.Itoa(zoom), Inline: true})
	embed.Image = "attachment://" + mapFileName
	return &OutgoingMessage{
		Embeds: []*Embed{&embed},
		Files:  []*File{{Name: mapFileName, ContentType: "image/png", Data: png}},
		Controls: []Control{
			{ID: ControlLocationZoomOut, Label: "Zoom out"},
			{ID: ControlLocationZoomIn, Label: "Zoom in"},
		},
	}
}

// locationFromEmbed extracts coordinates and zoom from a previously rendered
// location message. A missing zoom falls back to defaultZoom.
func locationFromEmbed(embed *Embed, defaultZoom int) (lat, lng float64, zoom int, ok bool) {
	zoom = defaultZoom
	latStr, hasLat := embed.Field(fieldLat)
	lngStr, hasLng := embed.Field(fieldLng)
	if !hasLat || !hasLng {
		return 0, 0, zoom, false
	}
	var err error
	if lat, err = strconv.ParseFloat(latStr, 64); err != nil {
		return 0, 0, zoom, false
	}
	if lng, err = strconv.ParseFloat(lngStr, 64); err != nil {
		return 0, 0, zoom, false
	}
	if zoomStr, hasZoom := embed.Field(fieldZoom); hasZoom {
		if z, err := strconv.Atoi(zoomStr); err == nil {
			zoom = z
		}
	}
	return lat, lng, zoom, true
}
