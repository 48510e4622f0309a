// Package rfu provides the feature records exchanged with the RFU service.
//
// This package contains the data model only. Every other internal package
// imports rfu; rfu imports nothing internal.
//
// Key constraints:
//   - Geometry is always WGS84 (lon, lat); planar coordinates live in the
//     som_coord_est / som_coord_nord attributes
//   - RemoteID zero means the feature is locally new
//   - Downloaded features get local ids 1..n in document order, features
//     created locally get negative ids
package rfu
