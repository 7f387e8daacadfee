package core

import (
	"math"
	"time"

	satellite "github.com/joshuaferrara/go-satellite"
)

// EarthRadiusKm is the mean Earth radius used for orbit radii and the
// occlusion sphere (kilometres).
const EarthRadiusKm = 6371.0

// earthMu is the standard gravitational parameter of the Earth in km³/s².
const earthMu = 398600.4418

// SpeedOfLightKmS is the propagation speed used for link delays.
const SpeedOfLightKmS = 299792.458

const (
	deg2rad = math.Pi / 180
	rad2deg = 180 / math.Pi
)

// Vec3 is an Earth-centred inertial vector in kilometres.
type Vec3 struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	Z float64 `json:"z"`
}

// DistanceTo returns the straight-line distance between two points.
func (v Vec3) DistanceTo(other Vec3) float64 {
	return v.Sub(other).Norm()
}

// Norm returns the Euclidean norm of the vector.
func (v Vec3) Norm() float64 {
	return math.Sqrt(v.Dot(v))
}

// Sub returns v - other.
func (v Vec3) Sub(other Vec3) Vec3 {
	return Vec3{X: v.X - other.X, Y: v.Y - other.Y, Z: v.Z - other.Z}
}

// Dot returns the dot product of two vectors.
func (v Vec3) Dot(other Vec3) float64 {
	return v.X*other.X + v.Y*other.Y + v.Z*other.Z
}

// Scale returns v multiplied by k.
func (v Vec3) Scale(k float64) Vec3 {
	return Vec3{X: v.X * k, Y: v.Y * k, Z: v.Z * k}
}

// Position is the derived location of a node at one simulated instant.
// Latitude and longitude are geodetic degrees at the scenario epoch.
type Position struct {
	ECI    Vec3    `json:"eci"`
	LatDeg float64 `json:"lat_deg"`
	LonDeg float64 `json:"lon_deg"`
	AltKm  float64 `json:"alt_km"`
}

// hasLineOfSight reports whether the segment between p1 and p2 stays clear
// of the Earth sphere.
func hasLineOfSight(p1, p2 Vec3) bool {
	v := p2.Sub(p1)
	a := v.Dot(v)
	if a == 0 {
		return p1.Dot(p1) > EarthRadiusKm*EarthRadiusKm
	}

	// Closest point of the segment to the Earth's centre.
	t := math.Max(0, math.Min(1, -p1.Dot(v)/a))
	closest := Vec3{
		X: p1.X + v.X*t,
		Y: p1.Y + v.Y*t,
		Z: p1.Z + v.Z*t,
	}
	return closest.Dot(closest) > EarthRadiusKm*EarthRadiusKm
}

// ElevationDegrees returns the elevation angle of the target as seen from
// the observer, in degrees. 0° = geometric horizon, 90° = overhead.
func ElevationDegrees(observer, target Vec3) float64 {
	v := target.Sub(observer)
	vNorm := v.Norm()
	r := observer.Norm()
	if vNorm == 0 || r == 0 {
		return 90
	}

	cosGamma := v.Dot(observer.Scale(1/r)) / vNorm
	cosGamma = math.Max(-1, math.Min(1, cosGamma))
	return 90.0 - math.Acos(cosGamma)*rad2deg
}

// LinkDelayMs converts a link distance into a one-way delay: propagation at
// the speed of light plus a fixed 1 ms processing component, rounded to
// microseconds.
func LinkDelayMs(distanceKm float64) float64 {
	d := distanceKm/SpeedOfLightKmS*1000 + 1
	return math.Round(d*1000) / 1000
}

// OrbitalPeriod derives a circular orbit period from its altitude.
func OrbitalPeriod(altitudeKm float64) time.Duration {
	a := EarthRadiusKm + altitudeKm
	secs := 2 * math.Pi * math.Sqrt(a*a*a/earthMu)
	return time.Duration(secs * float64(time.Second))
}

// epochFrame pins the inertial frame to the scenario epoch so surface sites
// keep a fixed inertial position for the whole run.
type epochFrame struct {
	jday float64
	gmst float64
}

func newEpochFrame(epoch time.Time) epochFrame {
	epoch = epoch.UTC()
	jd := satellite.JDay(epoch.Year(), int(epoch.Month()), epoch.Day(), epoch.Hour(), epoch.Minute(), epoch.Second())
	return epochFrame{jday: jd, gmst: satellite.ThetaG_JD(jd)}
}

// surface converts geodetic coordinates into the epoch inertial frame.
func (f epochFrame) surface(latDeg, lonDeg, altKm float64) Vec3 {
	eci := satellite.LLAToECI(satellite.LatLong{
		Latitude:  latDeg * deg2rad,
		Longitude: lonDeg * deg2rad,
	}, altKm, f.jday)
	return Vec3{X: eci.X, Y: eci.Y, Z: eci.Z}
}

// position annotates an inertial vector with geodetic coordinates.
func (f epochFrame) position(v Vec3) Position {
	alt, _, ll := satellite.ECIToLLA(satellite.Vector3{X: v.X, Y: v.Y, Z: v.Z}, f.gmst)
	return Position{
		ECI:    v,
		LatDeg: ll.Latitude * rad2deg,
		LonDeg: wrapDegrees(ll.Longitude * rad2deg),
		AltKm:  alt,
	}
}

// wrapDegrees folds an angle into (-180, 180].
func wrapDegrees(deg float64) float64 {
	deg = math.Mod(deg, 360)
	if deg > 180 {
		deg -= 360
	} else if deg <= -180 {
		deg += 360
	}
	return deg
}
