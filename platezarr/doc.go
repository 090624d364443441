/*
Package platezarr provides types and functions shared across the platezarr
conversion engine: n-dimensional points and regions, sample data types,
axis handling, the error taxonomy, leveled logging, and serialization of
chunk data with optional compression and checksums.

The platezarr engine converts raw high-content-screening acquisitions, a set
of image tiles scattered across the wells of a multi-well plate, into a
hierarchical chunked multiscale array store following the OME-Zarr plate
layout.  Vendor-specific readers produce tiles; this module stitches them
onto per-well canvases, writes chunk-aligned data into a store, derives
multiscale pyramid levels, and keeps the plate metadata tree consistent
under concurrent, partially-failing writes.
*/
package platezarr
