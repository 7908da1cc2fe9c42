// Package matching selects job offers for a client.
//
// Selection combines the client's criteria (countries, cities, job title)
// with the per-client MatchingCriteria from send settings. Offers come from
// the repository in freshness order, already excluding offers the client
// has been sent, and recipients suppressed by the reputation guard are
// dropped page by page.
package matching
